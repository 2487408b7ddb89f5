package database

import "sync"

// Metrics tracks operational counters for one Client instance. Counters are
// scoped per instance rather than process-wide so concurrent clients (and
// tests) observe only their own activity.
type Metrics struct {
	mu sync.Mutex

	transactions        uint64
	rollbacks           uint64
	retries             uint64
	duplicateKeyRetries uint64
	deadlockRetries     uint64
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	Transactions        uint64 `json:"transactions"`
	Rollbacks           uint64 `json:"rollbacks"`
	Retries             uint64 `json:"retries"`
	DuplicateKeyRetries uint64 `json:"duplicate_key_retries"`
	DeadlockRetries     uint64 `json:"deadlock_retries"`
}

func (m *Metrics) incTransactions() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.transactions++
}

func (m *Metrics) incRollbacks() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rollbacks++
}

func (m *Metrics) incRetries(kind FailureKind) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.retries++

	switch kind {
	case FailureDuplicateKey:
		m.duplicateKeyRetries++
	case FailureDeadlock, FailureSerialization:
		m.deadlockRetries++
	}
}

// Snapshot returns a copy of the current counter values.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	return MetricsSnapshot{
		Transactions:        m.transactions,
		Rollbacks:           m.rollbacks,
		Retries:             m.retries,
		DuplicateKeyRetries: m.duplicateKeyRetries,
		DeadlockRetries:     m.deadlockRetries,
	}
}

// Reset zeroes all counters.
func (m *Metrics) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.transactions = 0
	m.rollbacks = 0
	m.retries = 0
	m.duplicateKeyRetries = 0
	m.deadlockRetries = 0
}
