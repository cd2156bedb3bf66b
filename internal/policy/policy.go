// Package policy decides which tool calls may run without asking the user.
package policy

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
)

// DefaultMaxRequests is the number of consecutive auto-approved calls before
// the user is asked again.
const DefaultMaxRequests = 20

// Category groups tools for approval purposes.
type Category string

const (
	CategoryReadFiles       Category = "readFiles"
	CategoryEditFiles       Category = "editFiles"
	CategoryExecuteCommands Category = "executeCommands"
	CategoryUseBrowser      Category = "useBrowser"
	CategoryUseMcp          Category = "useMcp"
)

// Decision is the outcome of Decide.
type Decision string

const (
	Auto Decision = "auto"
	Ask  Decision = "ask"
)

// Actions lists the categories the user pre-approved.
type Actions struct {
	ReadFiles       bool `json:"readFiles"`
	EditFiles       bool `json:"editFiles"`
	ExecuteCommands bool `json:"executeCommands"`
	UseBrowser      bool `json:"useBrowser"`
	UseMcp          bool `json:"useMcp"`
}

// AutoApproval is the auto-approval policy as stored and sent to the UI.
type AutoApproval struct {
	Enabled             bool    `json:"enabled"`
	Actions             Actions `json:"actions"`
	MaxRequests         int     `json:"maxRequests"`
	EnableNotifications bool    `json:"enableNotifications"`
}

// Default returns the policy used when nothing is stored: everything asks.
func Default() AutoApproval {
	return AutoApproval{MaxRequests: DefaultMaxRequests}
}

// Normalize fills zero values with defaults.
func (p AutoApproval) Normalize() AutoApproval {
	if p.MaxRequests <= 0 {
		p.MaxRequests = DefaultMaxRequests
	}
	return p
}

// Allows reports whether category is pre-approved, ignoring the request cap.
func (p AutoApproval) Allows(c Category) bool {
	if !p.Enabled {
		return false
	}
	switch c {
	case CategoryReadFiles:
		return p.Actions.ReadFiles
	case CategoryEditFiles:
		return p.Actions.EditFiles
	case CategoryExecuteCommands:
		return p.Actions.ExecuteCommands
	case CategoryUseBrowser:
		return p.Actions.UseBrowser
	case CategoryUseMcp:
		return p.Actions.UseMcp
	default:
		return false
	}
}

// Decide returns Auto when c is pre-approved and fewer than MaxRequests calls
// have been auto-approved in a row.
func (p AutoApproval) Decide(c Category, consecutive int) (Decision, string) {
	p = p.Normalize()
	if !p.Enabled {
		return Ask, "auto_approval_disabled"
	}
	if !p.Allows(c) {
		return Ask, "category_not_approved"
	}
	if consecutive >= p.MaxRequests {
		return Ask, "max_requests_reached"
	}
	return Auto, "category_approved"
}

// Validate rejects policies that cannot be stored.
func (p AutoApproval) Validate() error {
	if p.MaxRequests < 0 {
		return fmt.Errorf("maxRequests must not be negative, got %d", p.MaxRequests)
	}
	return nil
}

// Version is a stable fingerprint recorded with every audit entry.
func (p AutoApproval) Version() string {
	p = p.Normalize()
	h := fnv.New64a()
	fields := []string{
		"enabled=" + strconv.FormatBool(p.Enabled),
		"read=" + strconv.FormatBool(p.Actions.ReadFiles),
		"edit=" + strconv.FormatBool(p.Actions.EditFiles),
		"exec=" + strconv.FormatBool(p.Actions.ExecuteCommands),
		"browser=" + strconv.FormatBool(p.Actions.UseBrowser),
		"mcp=" + strconv.FormatBool(p.Actions.UseMcp),
		"max=" + strconv.Itoa(p.MaxRequests),
	}
	_, _ = h.Write([]byte(strings.Join(fields, "|")))
	return "policy-" + strconv.FormatUint(h.Sum64(), 16)
}

// Live wraps an AutoApproval with thread-safe replacement, so a running task
// sees policy updates on its next decision.
type Live struct {
	mu   sync.RWMutex
	data AutoApproval
}

// NewLive creates a Live policy from an initial snapshot.
func NewLive(initial AutoApproval) *Live {
	return &Live{data: initial.Normalize()}
}

// Decide is the thread-safe form of AutoApproval.Decide.
func (lp *Live) Decide(c Category, consecutive int) (Decision, string) {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data.Decide(c, consecutive)
}

// Update replaces the policy.
func (lp *Live) Update(p AutoApproval) {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	lp.data = p.Normalize()
}

// Snapshot returns a copy of the current policy.
func (lp *Live) Snapshot() AutoApproval {
	lp.mu.RLock()
	defer lp.mu.RUnlock()
	return lp.data
}

// Version returns the fingerprint of the current policy.
func (lp *Live) Version() string {
	return lp.Snapshot().Version()
}
