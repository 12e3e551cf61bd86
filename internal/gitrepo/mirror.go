// Package gitrepo mirrors project versions into a git repository per
// project: every saved version becomes a commit on main plus a tag.
package gitrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"cowrite/api/internal/store"
)

const (
	contentFile  = "content.md"
	metadataFile = "version.json"
	tagPrefix    = "version/"
)

var ErrNoRepository = errors.New("project has no version repository")

type CommitInfo struct {
	Hash      string    `json:"hash"`
	VersionID string    `json:"versionId,omitempty"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

type metadata struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Tags        []string  `json:"tags"`
	CreatedBy   string    `json:"createdBy"`
	WordCount   int       `json:"wordCount"`
	CreatedAt   time.Time `json:"createdAt"`
}

type Mirror struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Mirror {
	return &Mirror{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// RecordVersion commits the version's content to the project repository,
// creating it on first use, and tags the commit with the version ID.
func (m *Mirror) RecordVersion(v store.Version, author string) (CommitInfo, error) {
	lock := m.projectLock(v.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := m.openOrInit(v.ProjectID)
	if err != nil {
		return CommitInfo{}, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}
	root := worktree.Filesystem.Root()

	meta, err := json.MarshalIndent(metadata{
		ID:          v.ID,
		Name:        v.Name,
		Description: v.Description,
		Tags:        v.Tags,
		CreatedBy:   v.CreatedBy,
		WordCount:   v.WordCount,
		CreatedAt:   v.CreatedAt,
	}, "", "  ")
	if err != nil {
		return CommitInfo{}, fmt.Errorf("marshal version metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(root, contentFile), []byte(v.Content), 0o644); err != nil {
		return CommitInfo{}, fmt.Errorf("write %s: %w", contentFile, err)
	}
	if err := os.WriteFile(filepath.Join(root, metadataFile), append(meta, '\n'), 0o644); err != nil {
		return CommitInfo{}, fmt.Errorf("write %s: %w", metadataFile, err)
	}
	for _, name := range []string{contentFile, metadataFile} {
		if _, err := worktree.Add(name); err != nil {
			return CommitInfo{}, fmt.Errorf("git add %s: %w", name, err)
		}
	}

	sig := signature(author, v.CreatedAt)
	message := v.Name
	if v.Description != "" {
		message += "\n\n" + v.Description
	}
	message += "\n\nversion: " + v.ID
	hash, err := worktree.Commit(message, &git.CommitOptions{
		AllowEmptyCommits: true,
		Author:            sig,
	})
	if err != nil {
		return CommitInfo{}, fmt.Errorf("commit version %s: %w", v.ID, err)
	}

	_, err = repo.CreateTag(tagPrefix+v.ID, hash, &git.CreateTagOptions{
		Tagger:  sig,
		Message: v.Name,
	})
	if err != nil && !errors.Is(err, git.ErrTagExists) {
		return CommitInfo{}, fmt.Errorf("tag version %s: %w", v.ID, err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// Log lists commits on main, newest first. A project that never saved a
// version has an empty log.
func (m *Mirror) Log(projectID string, limit int) ([]CommitInfo, error) {
	lock := m.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(m.repoPath(projectID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return []CommitInfo{}, nil
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

	items := make([]CommitInfo, 0)
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

// ContentAt returns the content recorded for a version.
func (m *Mirror) ContentAt(projectID, versionID string) (string, error) {
	lock := m.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(m.repoPath(projectID))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return "", ErrNoRepository
	}
	if err != nil {
		return "", fmt.Errorf("open repo: %w", err)
	}
	commitObj, err := taggedCommit(repo, tagPrefix+versionID)
	if err != nil {
		return "", err
	}
	file, err := commitObj.File(contentFile)
	if err != nil {
		return "", fmt.Errorf("load %s: %w", contentFile, err)
	}
	return file.Contents()
}

func (m *Mirror) openOrInit(projectID string) (*git.Repository, error) {
	path := m.repoPath(projectID)
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
	repo, err = git.PlainInitWithOptions(path, &git.PlainInitOptions{
		InitOptions: git.InitOptions{DefaultBranch: plumbing.NewBranchReferenceName("main")},
	})
	if err != nil {
		return nil, fmt.Errorf("init repo: %w", err)
	}
	return repo, nil
}

func taggedCommit(repo *git.Repository, tag string) (*object.Commit, error) {
	ref, err := repo.Tag(tag)
	if err != nil {
		return nil, fmt.Errorf("resolve tag %s: %w", tag, err)
	}
	tagObj, err := repo.TagObject(ref.Hash())
	switch {
	case err == nil:
		return tagObj.Commit()
	case errors.Is(err, plumbing.ErrObjectNotFound):
		return repo.CommitObject(ref.Hash())
	default:
		return nil, fmt.Errorf("read tag %s: %w", tag, err)
	}
}

func (m *Mirror) repoPath(projectID string) string {
	return filepath.Join(m.baseDir, projectID)
}

func (m *Mirror) projectLock(projectID string) *sync.Mutex {
	m.lockMu.Lock()
	defer m.lockMu.Unlock()
	lock, ok := m.locks[projectID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	m.locks[projectID] = lock
	return lock
}

func signature(author string, when time.Time) *object.Signature {
	if when.IsZero() {
		when = time.Now()
	}
	return &object.Signature{
		Name:  author,
		Email: fmt.Sprintf("%s@users.cowrite.local", sanitizeEmail(author)),
		When:  when,
	}
}

func toCommitInfo(commitObj *object.Commit) CommitInfo {
	info := CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   strings.TrimSpace(commitObj.Message),
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
	for _, line := range strings.Split(commitObj.Message, "\n") {
		if id, ok := strings.CutPrefix(line, "version: "); ok {
			info.VersionID = strings.TrimSpace(id)
		}
	}
	return info
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
