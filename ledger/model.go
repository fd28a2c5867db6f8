package ledger

import (
	"encoding/hex"
	"fmt"
	"time"

	"lukechampine.com/blake3"

	"sdl/lang"
)

// Edge types.
const (
	EdgeCall     = "call"
	EdgeImport   = "import"
	EdgeReExport = "reExport"
)

// Resolution strategies.
const (
	ResolutionExact      = "exact"
	ResolutionHeuristic  = "heuristic"
	ResolutionUnresolved = "unresolved"
)

// Version kinds.
const (
	VersionInitial     = "initial"
	VersionIncremental = "incremental"
	VersionFull        = "full"
)

// Repo is a registered repository.
type Repo struct {
	RepoID       string    `json:"repoId"`
	RootPath     string    `json:"rootPath"`
	Languages    []string  `json:"languages,omitempty"`
	IgnoreGlobs  []string  `json:"ignore,omitempty"`
	MaxFileBytes int64     `json:"maxFileBytes,omitempty"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// FileFingerprint is the per-file snapshot recorded on every version.
type FileFingerprint struct {
	ContentHash    string `json:"h"`
	ASTFingerprint string `json:"a"`
	Language       string `json:"l"`
}

// Version is one immutable ledger version.
type Version struct {
	RepoID       string                     `json:"repoId"`
	Version      int64                      `json:"version"`
	Parent       int64                      `json:"parentVersion"` // 0 = none
	Kind         string                     `json:"kind"`
	CreatedAt    time.Time                  `json:"createdAt"`
	Fingerprints map[string]FileFingerprint `json:"perFileFingerprints"`
}

// FileRecord is the current state of one indexed file.
type FileRecord struct {
	RepoID      string `json:"repoId"`
	Path        string `json:"path"`
	ContentHash string `json:"contentHash"`
	Language    string `json:"language"`
	LastIndexed int64  `json:"lastIndexedVersion"`
}

// Symbol is one generation of a symbol row. LastSeen nil means live; a
// non-nil LastSeen=V means the generation was observed absent (or replaced)
// at version V, so its live span is [FirstSeen, V).
type Symbol struct {
	RepoID      string         `json:"repoId"`
	SymbolID    string         `json:"symbolId"`
	File        string         `json:"file"`
	Name        string         `json:"name"`
	Kind        lang.Kind      `json:"kind"`
	Ordinal     int            `json:"ordinal"` // positional discriminator
	Exported    bool           `json:"exported"`
	Visibility  string         `json:"visibility"`
	Signature   lang.Signature `json:"signature"`
	Summary     string         `json:"summary,omitempty"`
	Range       lang.Range     `json:"range"`
	Fingerprint string         `json:"astFingerprint"`
	FirstSeen   int64          `json:"firstSeenVersion"`
	LastSeen    *int64         `json:"lastSeenVersion"`
}

// LiveAt reports whether this generation is visible at version v.
func (s *Symbol) LiveAt(v int64) bool {
	return s.FirstSeen <= v && (s.LastSeen == nil || *s.LastSeen > v)
}

// Edge is one generation of a graph edge. Identity is (repo, FromID, Type,
// Callee): resolution upgrades replace the generation without changing the
// key, so an unresolved edge can become exact in a later version.
type Edge struct {
	RepoID         string  `json:"repoId"`
	FromID         string  `json:"fromSymbolId"`
	ToID           string  `json:"toSymbolId,omitempty"` // "" = unresolved
	Callee         string  `json:"calleeIdentifier"`
	Type           string  `json:"type"`
	Weight         float64 `json:"weight"`
	Confidence     float64 `json:"confidence"`
	Resolution     string  `json:"resolutionStrategy"`
	CandidateCount int     `json:"candidateCount,omitempty"`
	FirstSeen      int64   `json:"firstSeenVersion"`
	LastSeen       *int64  `json:"lastSeenVersion"`
}

// Key is the stable edge identity used for lifecycle tracking.
func (e *Edge) Key() string {
	return hash16(e.FromID, e.Type, e.Callee)
}

// LiveAt reports whether this generation is visible at version v.
func (e *Edge) LiveAt(v int64) bool {
	return e.FirstSeen <= v && (e.LastSeen == nil || *e.LastSeen > v)
}

// SearchResult is one searchSymbols hit.
type SearchResult struct {
	SymbolID string    `json:"symbolId"`
	Name     string    `json:"name"`
	Kind     lang.Kind `json:"kind"`
	File     string    `json:"file"`
	Score    float64   `json:"score"`
}

// SymbolID derives the canonical stable id. It is stable exactly as long as
// (file, name, kind, ordinal) is stable: a rename retires the old symbol and
// creates a new one, by design of the identity scheme.
func SymbolID(repoID, file, name string, kind lang.Kind, ordinal int) string {
	return hash16(repoID, file, name, string(kind), fmt.Sprintf("%d", ordinal))
}

func hash16(parts ...string) string {
	h := blake3.New(16, nil)
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// HashContent is the content hash used for change detection.
func HashContent(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}
