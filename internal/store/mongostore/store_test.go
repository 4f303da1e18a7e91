package mongostore

import (
	"testing"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/stretchr/testify/assert"
)

// toBsonM is exercised directly; Upsert/FindOne/Find/Connect all require a
// live MongoDB and are covered by the integration suite, not here.

func TestToBsonM_PassesThroughPlainFields(t *testing.T) {
	out := toBsonM(map[string]interface{}{"symbol": "BTCUSDT", "leverage": 5})
	assert.Equal(t, bson.M{"symbol": "BTCUSDT", "leverage": 5}, out)
}

func TestToBsonM_TranslatesOrClauses(t *testing.T) {
	filter := map[string]interface{}{
		"$or": []map[string]interface{}{
			{"pod_id": "pod-2"},
			{"expires_at": map[string]interface{}{"$lt": "2026-01-01"}},
		},
	}
	out := toBsonM(filter)
	clauses, ok := out["$or"].([]bson.M)
	assert.True(t, ok)
	assert.Len(t, clauses, 2)
	assert.Equal(t, "pod-2", clauses[0]["pod_id"])
	nested, ok := clauses[1]["expires_at"].(bson.M)
	assert.True(t, ok)
	assert.Equal(t, "2026-01-01", nested["$lt"])
}

func TestToBsonM_TranslatesNestedComparisonOperators(t *testing.T) {
	filter := map[string]interface{}{
		"quantity": map[string]interface{}{"$gte": 0.1, "$lte": 10.0},
	}
	out := toBsonM(filter)
	nested, ok := out["quantity"].(bson.M)
	assert.True(t, ok)
	assert.Equal(t, 0.1, nested["$gte"])
	assert.Equal(t, 10.0, nested["$lte"])
}
