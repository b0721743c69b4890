package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

// promauto registers with the default registry, so every test gets its
// own namespace to avoid duplicate-registration panics.
var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.spawnRequests)
	assert.NotNil(t, collector.messagesSent)
	assert.NotNil(t, collector.delegationsTotal)
	assert.NotNil(t, collector.escalationsOpened)
	assert.NotNil(t, collector.scalingActions)
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordHTTPRequest("POST", "/v1/organizations", 201, 30*time.Millisecond)
	collector.RecordHTTPRequest("POST", "/v1/organizations", 400, 5*time.Millisecond)

	count := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.Equal(t, 2, count)
}

func TestCollector_RecordSpawnOutcomes(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordSpawn("org-1", "committed", 120*time.Millisecond)
	collector.RecordSpawn("org-1", "denied", 0)

	assert.Equal(t, 2, testutil.CollectAndCount(collector.spawnRequests))
	// only commits contribute a duration sample
	assert.Equal(t, 1, testutil.CollectAndCount(collector.spawnDuration))
}

func TestCollector_RecordMessaging(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordMessageSent("task", "high")
	collector.RecordMessageRejected("rate_limited")
	collector.RecordMessageRejected("expired")
	collector.RecordDelivery("high", 10*time.Millisecond)

	assert.Equal(t, 1, testutil.CollectAndCount(collector.messagesSent))
	assert.Equal(t, 2, testutil.CollectAndCount(collector.messagesRejected))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.deliveryDuration))
}

func TestCollector_RecordDelegationAndEscalation(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordDelegation("completed", 3*time.Second)
	collector.RecordEscalationOpened("timeout", "high")
	collector.RecordEscalationHop()
	collector.RecordEscalationClosed("abandoned")

	assert.Equal(t, 1, testutil.CollectAndCount(collector.delegationsTotal))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.escalationsOpened))
	assert.Equal(t, float64(1), testutil.ToFloat64(collector.escalationHops))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.escalationsClosed))
}

func TestCollector_RecordHierarchyShape(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordNodeAttached("org-1", "specialist")
	collector.RecordHierarchyShape("org-1", 5, 2)
	collector.RecordNodeDetached("org-1", "reparent")

	assert.Equal(t, float64(5), testutil.ToFloat64(collector.hierarchySize.WithLabelValues("org-1")))
	assert.Equal(t, float64(2), testutil.ToFloat64(collector.hierarchyDepth.WithLabelValues("org-1")))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.nodesDetached))
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			collector.RecordHTTPRequest("GET", "/v1/organizations/x", 200, time.Millisecond)
			collector.RecordMessageSent("notification", "normal")
			collector.RecordScalingAction("org-1", "scale_up")
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	assert.Equal(t, float64(10), testutil.ToFloat64(collector.scalingActions.WithLabelValues("org-1", "scale_up")))
	assert.Equal(t, 1, testutil.CollectAndCount(collector.messagesSent))
}

func TestCollector_NilLoggerDefaultsToNop(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), nil)
	assert.NotNil(t, collector)
	collector.RecordStoreOperation("set", "messages", time.Millisecond)
	assert.Equal(t, 1, testutil.CollectAndCount(collector.storeOpDuration))
}
