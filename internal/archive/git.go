// Package archive mirrors version snapshots into one git repository per block,
// so the history can be inspected with ordinary git tooling.
package archive

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"omfs/api/internal/store"
)

const snapshotFile = "block.json"

// Snapshot is the file committed for each version.
type Snapshot struct {
	BlockID       string         `json:"block_id"`
	VersionID     string         `json:"version_id"`
	VersionNumber int            `json:"version_number"`
	Title         string         `json:"title"`
	SectionType   string         `json:"section_type"`
	Body          string         `json:"body"`
	Metadata      map[string]any `json:"metadata"`
	Tags          []string       `json:"tags"`
}

type Commit struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
}

type GitArchive struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *GitArchive {
	return &GitArchive{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// RecordVersion commits the version as the block repo's next revision and
// tags it v<number>. Recording the same number twice is a no-op.
func (a *GitArchive) RecordVersion(v store.ContentVersion) (Commit, error) {
	lock := a.blockLock(v.BlockID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := a.openOrInit(v.BlockID)
	if err != nil {
		return Commit{}, err
	}

	tagName := versionTag(v.VersionNumber)
	if ref, err := repo.Tag(tagName); err == nil {
		commitObj, err := repo.CommitObject(ref.Hash())
		if err != nil {
			return Commit{}, fmt.Errorf("read tagged commit: %w", err)
		}
		return toCommit(commitObj), nil
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return Commit{}, fmt.Errorf("open worktree: %w", err)
	}
	payload, err := json.MarshalIndent(Snapshot{
		BlockID:       v.BlockID,
		VersionID:     v.ID,
		VersionNumber: v.VersionNumber,
		Title:         v.Title,
		SectionType:   v.SectionType,
		Body:          v.Body,
		Metadata:      v.Metadata,
		Tags:          v.TagsSnapshot,
	}, "", "  ")
	if err != nil {
		return Commit{}, fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.WriteFile(filepath.Join(worktree.Filesystem.Root(), snapshotFile), append(payload, '\n'), 0o644); err != nil {
		return Commit{}, fmt.Errorf("write snapshot: %w", err)
	}
	if _, err := worktree.Add(snapshotFile); err != nil {
		return Commit{}, fmt.Errorf("git add snapshot: %w", err)
	}

	author := v.CreatedBy
	if author == "" {
		author = "system"
	}
	when := v.CreatedAt
	if when.IsZero() {
		when = time.Now()
	}
	hash, err := worktree.Commit(fmt.Sprintf("Version %d: %s", v.VersionNumber, v.ChangeDescription), &git.CommitOptions{
		AllowEmptyCommits: true,
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@content.local", sanitizeEmail(author)),
			When:  when,
		},
	})
	if err != nil {
		return Commit{}, fmt.Errorf("commit snapshot: %w", err)
	}
	if _, err := repo.CreateTag(tagName, hash, nil); err != nil && !errors.Is(err, git.ErrTagExists) {
		return Commit{}, fmt.Errorf("tag version: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return Commit{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommit(commitObj), nil
}

// History lists the block's mirrored versions, newest first.
func (a *GitArchive) History(blockID string, limit int) ([]Commit, error) {
	lock := a.blockLock(blockID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(a.repoPath(blockID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []Commit{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}
	head, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("resolve head: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: head.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]Commit, 0)
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommit(commitObj))
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

// ReadVersion loads the snapshot committed under v<number>.
func (a *GitArchive) ReadVersion(blockID string, number int) (Snapshot, error) {
	lock := a.blockLock(blockID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(a.repoPath(blockID))
	if err != nil {
		return Snapshot{}, fmt.Errorf("open repo: %w", err)
	}
	ref, err := repo.Tag(versionTag(number))
	if err != nil {
		return Snapshot{}, fmt.Errorf("resolve version %d: %w", number, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return Snapshot{}, fmt.Errorf("load commit object: %w", err)
	}
	file, err := commitObj.File(snapshotFile)
	if err != nil {
		return Snapshot{}, fmt.Errorf("load %s from commit: %w", snapshotFile, err)
	}
	contents, err := file.Contents()
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(contents), &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}

func (a *GitArchive) openOrInit(blockID string) (*git.Repository, error) {
	path := a.repoPath(blockID)
	repo, err := git.PlainOpen(path)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("create repo dir: %w", err)
	}
	repo, err = git.PlainInit(path, false)
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return nil, fmt.Errorf("set HEAD to main: %w", err)
	}
	return repo, nil
}

func (a *GitArchive) repoPath(blockID string) string {
	return filepath.Join(a.baseDir, filepath.Base(blockID))
}

func (a *GitArchive) blockLock(blockID string) *sync.Mutex {
	a.lockMu.Lock()
	defer a.lockMu.Unlock()
	lock, ok := a.locks[blockID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	a.locks[blockID] = lock
	return lock
}

func versionTag(number int) string {
	return fmt.Sprintf("v%d", number)
}

func toCommit(commitObj *object.Commit) Commit {
	return Commit{
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
