package ledger

import "errors"

// Store-level error kinds. Transient kinds (ErrStoreBusy) are retried by the
// store itself with backoff and only surface after the retry budget; the rest
// map onto the caller-facing taxonomy.
var (
	// ErrStoreBusy — контеншн дольше busy_timeout; ретраибельно.
	ErrStoreBusy = errors.New("ledger: store busy")

	// ErrStaleParent — createVersion наблюдал не-головную родительскую версию.
	ErrStaleParent = errors.New("ledger: stale parent version")

	// ErrIntegrity — нарушение инварианта схемы; пасс индексации прерывается.
	ErrIntegrity = errors.New("ledger: integrity violation")

	// ErrSchemaMismatch — база создана несовместимой версией схемы.
	ErrSchemaMismatch = errors.New("ledger: schema mismatch")

	ErrUnknownRepo    = errors.New("ledger: unknown repo")
	ErrUnknownSymbol  = errors.New("ledger: unknown symbol")
	ErrUnknownVersion = errors.New("ledger: unknown version")
)
