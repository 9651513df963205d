package resilience

import (
	"testing"
	"time"
)

func TestDefaultResilientConfig(t *testing.T) {
	config := DefaultResilientConfig()

	if config.Timeout != 2*time.Second {
		t.Errorf("Expected timeout 2s, got %v", config.Timeout)
	}

	if config.CircuitBreakerConfig.MaxRequests != 5 {
		t.Errorf("Expected MaxRequests 5, got %d", config.CircuitBreakerConfig.MaxRequests)
	}

	if config.CircuitBreakerConfig.ReadyToTrip == nil {
		t.Fatal("Expected ReadyToTrip function to be set")
	}

	if config.CircuitBreakerConfig.ReadyToTrip(Counts{Requests: 10, TotalFailures: 10}) {
		t.Error("Should not trip below the minimum request count")
	}

	if !config.CircuitBreakerConfig.ReadyToTrip(Counts{Requests: 20, TotalFailures: 3}) {
		t.Error("Should trip at a 15% failure rate")
	}

	if config.CircuitBreakerConfig.ReadyToTrip(Counts{Requests: 20, TotalFailures: 2}) {
		t.Error("Should not trip at a 10% failure rate")
	}
}

func TestConsecutiveFailures(t *testing.T) {
	trip := ConsecutiveFailures(3)
	if trip(Counts{ConsecutiveFailures: 2}) {
		t.Error("Should not trip with 2 failures")
	}
	if !trip(Counts{ConsecutiveFailures: 3}) {
		t.Error("Should trip with 3 failures")
	}
}

func TestResilientConfig_With(t *testing.T) {
	config := DefaultResilientConfig()
	newConfig := config.WithTimeout(time.Second).WithCircuitBreakerTimeout(time.Minute).WithReadyToTrip(ConsecutiveFailures(1))

	if config.Timeout != 2*time.Second {
		t.Error("Original config should not be modified")
	}
	if newConfig.Timeout != time.Second {
		t.Errorf("Expected timeout 1s, got %v", newConfig.Timeout)
	}
	if newConfig.CircuitBreakerConfig.Timeout != time.Minute {
		t.Errorf("Expected CB timeout 1m, got %v", newConfig.CircuitBreakerConfig.Timeout)
	}
	if !newConfig.CircuitBreakerConfig.ReadyToTrip(Counts{ConsecutiveFailures: 1}) {
		t.Error("Expected replaced trip rule")
	}
}
