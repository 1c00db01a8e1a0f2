package gitrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

const (
	mainBranch   = "main"
	snapshotFile = "charter.json"
)

var ErrNoRepo = errors.New("charter repository does not exist")

// Snapshot is the charter state recorded in one commit.
type Snapshot struct {
	SessionID string         `json:"sessionId"`
	Title     string         `json:"title,omitempty"`
	Version   int64          `json:"version"`
	Fields    map[string]any `json:"fields"`
	Locked    []string       `json:"locked,omitempty"`
}

type CommitInfo struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// FieldChange is one path that differs between two snapshots.
type FieldChange struct {
	Path   string `json:"path"`
	Before any    `json:"before,omitempty"`
	After  any    `json:"after,omitempty"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// EnsureRepo creates the session's charter repository with an empty
// baseline commit on main. An existing repository is left alone.
func (s *Service) EnsureRepo(sessionID, author string) error {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return s.ensureRepoLocked(sessionID, author)
}

func (s *Service) ensureRepoLocked(sessionID, author string) error {
	path := s.repoPath(sessionID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}
	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName(mainBranch))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	baseline := Snapshot{SessionID: sessionID, Fields: map[string]any{}}
	if _, err := s.commit(repo, baseline, author, "Start charter", false); err != nil {
		return err
	}
	return nil
}

// CommitSnapshot records snap on main, creating the repository on first
// use, and tags the commit with the draft version.
func (s *Service) CommitSnapshot(sessionID string, snap Snapshot, author, message string) (CommitInfo, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.ensureRepoLocked(sessionID, author); err != nil {
		return CommitInfo{}, err
	}
	repo, err := git.PlainOpen(s.repoPath(sessionID))
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}

	snap.SessionID = sessionID
	hash, err := s.commit(repo, snap, author, message, true)
	if err != nil {
		return CommitInfo{}, err
	}
	if snap.Version > 0 {
		tag := fmt.Sprintf("v%d", snap.Version)
		_, err := repo.CreateTag(tag, hash, &git.CreateTagOptions{
			Tagger:  &object.Signature{Name: "Charterdesk", Email: "charterdesk@localhost", When: time.Now()},
			Message: tag,
		})
		if err != nil && !errors.Is(err, git.ErrTagExists) {
			return CommitInfo{}, fmt.Errorf("create tag: %w", err)
		}
	}
	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

func (s *Service) Head(sessionID string) (Snapshot, CommitInfo, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(sessionID)
	if err != nil {
		return Snapshot{}, CommitInfo{}, err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return Snapshot{}, CommitInfo{}, fmt.Errorf("resolve branch %s: %w", mainBranch, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return Snapshot{}, CommitInfo{}, fmt.Errorf("load commit object: %w", err)
	}
	snap, err := readSnapshot(commitObj)
	if err != nil {
		return Snapshot{}, CommitInfo{}, err
	}
	return snap, toCommitInfo(commitObj), nil
}

// SnapshotAt reads the snapshot of a commit hash, short hash or tag.
func (s *Service) SnapshotAt(sessionID, rev string) (Snapshot, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(sessionID)
	if err != nil {
		return Snapshot{}, err
	}
	resolved, err := resolveRevision(repo, rev)
	if err != nil {
		return Snapshot{}, err
	}
	commitObj, err := repo.CommitObject(resolved)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read commit %s: %w", rev, err)
	}
	return readSnapshot(commitObj)
}

func (s *Service) History(sessionID string, limit int) ([]CommitInfo, error) {
	lock := s.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := s.open(sessionID)
	if err != nil {
		return nil, err
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", mainBranch, err)
	}
	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]CommitInfo, 0, max(limit, 0))
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		if limit > 0 && len(items) >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

func (s *Service) repoPath(sessionID string) string {
	return filepath.Join(s.baseDir, sessionID)
}

func (s *Service) open(sessionID string) (*git.Repository, error) {
	repo, err := git.PlainOpen(s.repoPath(sessionID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo %s: %w", sessionID, ErrNoRepo)
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	return repo, nil
}

func (s *Service) sessionLock(sessionID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[sessionID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[sessionID] = lock
	return lock
}

func (s *Service) commit(repo *git.Repository, snap Snapshot, author, message string, allowEmpty bool) (plumbing.Hash, error) {
	worktree, err := repo.Worktree()
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("open worktree: %w", err)
	}
	if snap.Fields == nil {
		snap.Fields = map[string]any{}
	}
	if author == "" {
		author = "Charterdesk"
	}
	sort.Strings(snap.Locked)
	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("marshal snapshot: %w", err)
	}

	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, snapshotFile), append(payload, '\n'), 0o644); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("write %s: %w", snapshotFile, err)
	}
	if _, err := worktree.Add(snapshotFile); err != nil {
		return plumbing.ZeroHash, fmt.Errorf("git add snapshot: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: allowEmpty,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.charterdesk.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("commit snapshot: %w", err)
	}
	return hash, nil
}

func readSnapshot(commitObj *object.Commit) (Snapshot, error) {
	file, err := commitObj.File(snapshotFile)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load %s from commit: %w", snapshotFile, err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Snapshot{}, fmt.Errorf("open snapshot reader: %w", err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot bytes: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode commit snapshot: %w", err)
	}
	if snap.Fields == nil {
		snap.Fields = map[string]any{}
	}
	return snap, nil
}

// Diff lists the paths whose values differ, sorted by path. Values are
// compared in their JSON-decoded form.
func Diff(from, to Snapshot) []FieldChange {
	paths := make(map[string]struct{}, len(from.Fields)+len(to.Fields))
	for p := range from.Fields {
		paths[p] = struct{}{}
	}
	for p := range to.Fields {
		paths[p] = struct{}{}
	}
	out := make([]FieldChange, 0)
	for p := range paths {
		before, after := normalizeValue(from.Fields[p]), normalizeValue(to.Fields[p])
		if reflect.DeepEqual(before, after) {
			continue
		}
		out = append(out, FieldChange{Path: p, Before: before, After: after})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func normalizeValue(v any) any {
	if v == nil {
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return v
	}
	return out
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	return CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	out := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			out = append(out, '.')
		}
	}
	if len(out) == 0 {
		return "user"
	}
	return string(out)
}

func resolveRevision(repo *git.Repository, rev string) (plumbing.Hash, error) {
	if len(rev) == 40 {
		return plumbing.NewHash(rev), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(rev))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve revision %s: %w", rev, err)
	}
	return *resolved, nil
}
