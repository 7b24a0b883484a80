package pairing

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/harun/p42r/pkg/platform"
)

const (
	DefaultPendingLimit = 3
	DefaultPendingTTL   = time.Hour
	CodeLength          = 8
)

var (
	ErrPendingLimitReached = errors.New("pairing pending limit reached")
	ErrRequestNotFound     = errors.New("pairing request not found")
	ErrAlreadyAllowlisted  = errors.New("identity is already allowlisted")
	ErrNotAllowlisted      = errors.New("identity is not allowlisted")
)

var codeAlphabet = []rune("ABCDEFGHJKLMNPQRSTUVWXYZ23456789")

// PendingRequest is an unapproved pairing request for an identity.
type PendingRequest struct {
	Identity    string    `json:"identity"`
	Code        string    `json:"code"`
	RequestedAt time.Time `json:"requested_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// AllowlistEntry is an authorized identity.
type AllowlistEntry struct {
	Identity string    `json:"identity"`
	AddedAt  time.Time `json:"added_at"`
	Reason   string    `json:"reason,omitempty"`
}

// RevokedEntry records an identity whose authorization was withdrawn.
type RevokedEntry struct {
	Identity  string    `json:"identity"`
	RevokedAt time.Time `json:"revoked_at"`
}

// Options configures a Store.
type Options struct {
	Dir                string
	MaxPending         int
	PendingTTL         time.Duration
	BootstrapAllowlist []string
	Now                func() time.Time
}

// Store persists the identity authorization mapping and one-time pairing codes.
// State lives in two JSON files under Dir and is reloaded when another process
// (the CLI) rewrites them.
type Store struct {
	mu sync.Mutex

	allowlistPath string
	pendingPath   string
	maxPending    int
	pendingTTL    time.Duration
	now           func() time.Time

	allowlist     map[string]AllowlistEntry
	revoked       map[string]RevokedEntry
	pending       map[string]PendingRequest
	pendingByCode map[string]string

	allowlistModTime time.Time
	pendingModTime   time.Time
}

type allowlistFile struct {
	Entries []AllowlistEntry `json:"entries"`
	Revoked []RevokedEntry   `json:"revoked,omitempty"`
}

type pendingFile struct {
	Requests []PendingRequest `json:"requests"`
}

// Paths returns the allowlist and pending file paths for a store directory.
func Paths(dir string) (string, string) {
	dir = strings.TrimSpace(dir)
	return filepath.Join(dir, "allowlist.json"), filepath.Join(dir, "pending.json")
}

// NewStore loads the store from disk and merges the bootstrap allowlist.
// Bootstrap identities that were explicitly revoked stay revoked.
func NewStore(opts Options) (*Store, error) {
	if strings.TrimSpace(opts.Dir) == "" {
		return nil, fmt.Errorf("pairing directory is required")
	}
	pendingTTL := opts.PendingTTL
	if pendingTTL <= 0 {
		pendingTTL = DefaultPendingTTL
	}
	maxPending := opts.MaxPending
	if maxPending <= 0 {
		maxPending = DefaultPendingLimit
	}
	nowFn := opts.Now
	if nowFn == nil {
		nowFn = time.Now
	}

	allowlistPath, pendingPath := Paths(opts.Dir)
	s := &Store{
		allowlistPath: allowlistPath,
		pendingPath:   pendingPath,
		maxPending:    maxPending,
		pendingTTL:    pendingTTL,
		now:           nowFn,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.loadAllowlistLocked(); err != nil {
		return nil, err
	}
	if err := s.loadPendingLocked(); err != nil {
		return nil, err
	}

	changed := false
	for _, raw := range opts.BootstrapAllowlist {
		id, err := platform.ParseIdentity(raw)
		if err != nil {
			return nil, fmt.Errorf("bootstrap allowlist: %w", err)
		}
		key := id.String()
		if _, ok := s.allowlist[key]; ok {
			continue
		}
		if _, ok := s.revoked[key]; ok {
			continue
		}
		s.allowlist[key] = AllowlistEntry{Identity: key, AddedAt: s.now(), Reason: "bootstrap allowlist"}
		changed = true
	}
	if changed {
		if err := s.saveAllowlistLocked(); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Dir returns the directory holding the store files.
func (s *Store) Dir() string {
	return filepath.Dir(s.allowlistPath)
}

// IsAllowed reports whether the identity is allowlisted.
func (s *Store) IsAllowed(id platform.Identity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshFromDiskLocked()
	_, ok := s.allowlist[id.String()]
	return ok
}

// IsRevoked reports whether the identity was explicitly revoked.
func (s *Store) IsRevoked(id platform.Identity) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshFromDiskLocked()
	_, ok := s.revoked[id.String()]
	return ok
}

// Allow adds the identity to the allowlist and clears any revocation.
func (s *Store) Allow(id platform.Identity, reason string) error {
	key := id.String()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshFromDiskLocked()

	if _, ok := s.allowlist[key]; ok {
		return nil
	}
	delete(s.revoked, key)
	if req, ok := s.pending[key]; ok {
		delete(s.pending, key)
		delete(s.pendingByCode, req.Code)
		if err := s.savePendingLocked(); err != nil {
			return err
		}
	}
	s.allowlist[key] = AllowlistEntry{Identity: key, AddedAt: s.now(), Reason: reason}
	return s.saveAllowlistLocked()
}

// Revoke removes the identity from the allowlist and records the revocation.
// Revoking an identity that was never allowed still records it, so a later
// bootstrap entry cannot re-admit it.
func (s *Store) Revoke(id platform.Identity) error {
	key := id.String()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshFromDiskLocked()

	_, allowed := s.allowlist[key]
	_, revoked := s.revoked[key]
	if !allowed && revoked {
		return nil
	}
	delete(s.allowlist, key)
	s.revoked[key] = RevokedEntry{Identity: key, RevokedAt: s.now()}
	return s.saveAllowlistLocked()
}

// ListAllowlist returns allowlisted identities, oldest first.
func (s *Store) ListAllowlist() []AllowlistEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshFromDiskLocked()
	entries := make([]AllowlistEntry, 0, len(s.allowlist))
	for _, entry := range s.allowlist {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].AddedAt.Before(entries[j].AddedAt)
	})
	return entries
}

// ListRevoked returns revoked identities, oldest first.
func (s *Store) ListRevoked() []RevokedEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshFromDiskLocked()
	entries := make([]RevokedEntry, 0, len(s.revoked))
	for _, entry := range s.revoked {
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].RevokedAt.Before(entries[j].RevokedAt)
	})
	return entries
}

// ListPending returns unexpired pairing requests.
func (s *Store) ListPending() []PendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshFromDiskLocked()
	s.cleanupExpiredLocked()
	requests := make([]PendingRequest, 0, len(s.pending))
	for _, req := range s.pending {
		requests = append(requests, req)
	}
	sort.Slice(requests, func(i, j int) bool {
		return requests[i].RequestedAt.Before(requests[j].RequestedAt)
	})
	return requests
}

// EnsurePending returns the pairing request for the identity, creating one if
// needed. The boolean reports whether a new request was created.
func (s *Store) EnsurePending(id platform.Identity) (PendingRequest, bool, error) {
	if id.IsZero() {
		return PendingRequest{}, false, fmt.Errorf("identity is required")
	}
	key := id.String()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshFromDiskLocked()
	s.cleanupExpiredLocked()

	if _, ok := s.allowlist[key]; ok {
		return PendingRequest{}, false, ErrAlreadyAllowlisted
	}
	if existing, ok := s.pending[key]; ok {
		return existing, false, nil
	}
	if len(s.pending) >= s.maxPending {
		return PendingRequest{}, false, ErrPendingLimitReached
	}

	code, err := s.generateUniqueCodeLocked()
	if err != nil {
		return PendingRequest{}, false, err
	}
	now := s.now()
	request := PendingRequest{
		Identity:    key,
		Code:        code,
		RequestedAt: now,
		ExpiresAt:   now.Add(s.pendingTTL),
	}
	s.pending[key] = request
	s.pendingByCode[code] = key
	if err := s.savePendingLocked(); err != nil {
		return PendingRequest{}, false, err
	}
	return request, true, nil
}

// Approve allowlists the identity holding the pairing code.
func (s *Store) Approve(code string) (PendingRequest, error) {
	return s.resolve(code, true)
}

// Reject discards the pairing request holding the code.
func (s *Store) Reject(code string) (PendingRequest, error) {
	return s.resolve(code, false)
}

func (s *Store) resolve(code string, approve bool) (PendingRequest, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return PendingRequest{}, fmt.Errorf("code is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshFromDiskLocked()
	s.cleanupExpiredLocked()

	key, ok := s.pendingByCode[code]
	if !ok {
		return PendingRequest{}, ErrRequestNotFound
	}

	request := s.pending[key]
	delete(s.pending, key)
	delete(s.pendingByCode, code)

	if approve {
		delete(s.revoked, key)
		s.allowlist[key] = AllowlistEntry{
			Identity: key,
			AddedAt:  s.now(),
			Reason:   fmt.Sprintf("approved via code %s", code),
		}
		if err := s.saveAllowlistLocked(); err != nil {
			return PendingRequest{}, err
		}
	}

	if err := s.savePendingLocked(); err != nil {
		return PendingRequest{}, err
	}
	return request, nil
}

// CleanupExpired drops expired pairing requests and returns how many were removed.
func (s *Store) CleanupExpired() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshFromDiskLocked()
	return s.cleanupExpiredLocked()
}

func (s *Store) cleanupExpiredLocked() int {
	now := s.now()
	removed := 0
	for key, req := range s.pending {
		if now.After(req.ExpiresAt) {
			delete(s.pending, key)
			delete(s.pendingByCode, req.Code)
			removed++
		}
	}
	if removed > 0 {
		_ = s.savePendingLocked()
	}
	return removed
}

// Reload forces both files to be re-read.
func (s *Store) Reload() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadAllowlistLocked(); err != nil {
		return err
	}
	return s.loadPendingLocked()
}

func (s *Store) refreshFromDiskLocked() {
	if info, err := os.Stat(s.allowlistPath); err == nil && info.ModTime().After(s.allowlistModTime) {
		_ = s.loadAllowlistLocked()
	}
	if info, err := os.Stat(s.pendingPath); err == nil && info.ModTime().After(s.pendingModTime) {
		_ = s.loadPendingLocked()
	}
}

func (s *Store) generateUniqueCodeLocked() (string, error) {
	for i := 0; i < 5; i++ {
		code, err := generateCode()
		if err != nil {
			return "", err
		}
		if _, exists := s.pendingByCode[code]; !exists {
			return code, nil
		}
	}
	return "", fmt.Errorf("failed to generate unique pairing code")
}

func generateCode() (string, error) {
	buf := make([]byte, CodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate pairing code: %w", err)
	}
	out := make([]rune, CodeLength)
	for i, b := range buf {
		out[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(out), nil
}

func (s *Store) loadAllowlistLocked() error {
	s.allowlist = make(map[string]AllowlistEntry)
	s.revoked = make(map[string]RevokedEntry)

	info, err := os.Stat(s.allowlistPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat allowlist file: %w", err)
	}
	data, err := os.ReadFile(s.allowlistPath)
	if err != nil {
		return fmt.Errorf("failed to read allowlist file: %w", err)
	}
	var file allowlistFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse allowlist file: %w", err)
	}
	for _, entry := range file.Entries {
		if id, err := platform.ParseIdentity(entry.Identity); err == nil {
			entry.Identity = id.String()
			s.allowlist[entry.Identity] = entry
		}
	}
	for _, entry := range file.Revoked {
		if id, err := platform.ParseIdentity(entry.Identity); err == nil {
			entry.Identity = id.String()
			if _, allowed := s.allowlist[entry.Identity]; !allowed {
				s.revoked[entry.Identity] = entry
			}
		}
	}
	s.allowlistModTime = info.ModTime()
	return nil
}

func (s *Store) loadPendingLocked() error {
	s.pending = make(map[string]PendingRequest)
	s.pendingByCode = make(map[string]string)

	info, err := os.Stat(s.pendingPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat pending pairing file: %w", err)
	}
	data, err := os.ReadFile(s.pendingPath)
	if err != nil {
		return fmt.Errorf("failed to read pending pairing file: %w", err)
	}
	var file pendingFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse pending pairing file: %w", err)
	}
	for _, req := range file.Requests {
		key := strings.TrimSpace(req.Identity)
		req.Code = strings.ToUpper(strings.TrimSpace(req.Code))
		if key == "" || req.Code == "" {
			continue
		}
		s.pending[key] = req
		s.pendingByCode[req.Code] = key
	}
	s.pendingModTime = info.ModTime()
	return nil
}

func (s *Store) saveAllowlistLocked() error {
	file := allowlistFile{
		Entries: make([]AllowlistEntry, 0, len(s.allowlist)),
		Revoked: make([]RevokedEntry, 0, len(s.revoked)),
	}
	for _, entry := range s.allowlist {
		file.Entries = append(file.Entries, entry)
	}
	for _, entry := range s.revoked {
		file.Revoked = append(file.Revoked, entry)
	}
	sort.Slice(file.Entries, func(i, j int) bool {
		return file.Entries[i].Identity < file.Entries[j].Identity
	})
	sort.Slice(file.Revoked, func(i, j int) bool {
		return file.Revoked[i].Identity < file.Revoked[j].Identity
	})
	modTime, err := writeJSONFile(s.allowlistPath, file)
	if err != nil {
		return err
	}
	s.allowlistModTime = modTime
	return nil
}

func (s *Store) savePendingLocked() error {
	file := pendingFile{Requests: make([]PendingRequest, 0, len(s.pending))}
	for _, req := range s.pending {
		file.Requests = append(file.Requests, req)
	}
	sort.Slice(file.Requests, func(i, j int) bool {
		return file.Requests[i].RequestedAt.Before(file.Requests[j].RequestedAt)
	})
	modTime, err := writeJSONFile(s.pendingPath, file)
	if err != nil {
		return err
	}
	s.pendingModTime = modTime
	return nil
}

func writeJSONFile(path string, payload interface{}) (time.Time, error) {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return time.Time{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return time.Time{}, err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return time.Time{}, err
	}
	if err := os.Rename(tmp, path); err != nil {
		return time.Time{}, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}, err
	}
	return info.ModTime(), nil
}
