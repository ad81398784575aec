// Package branchrepo persists entity versions deployed to tenant branches.
// Every branch is its own git repository; each version is one JSON file at
// <kind>/<entity id>/<version>.json and each deployment is one commit.
package branchrepo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"

	"github.com/happy-geeks/wiser-sub008/internal/store"
)

const mainBranch = "main"

var (
	ErrInvalidBranch = errors.New("branchrepo: invalid branch name")

	branchNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,62}$`)
)

// ValidName reports whether name can be used as a branch directory.
func ValidName(name string) bool {
	return branchNamePattern.MatchString(name) && !strings.Contains(name, "..")
}

// VersionInput is one entity payload copied from the main store.
type VersionInput struct {
	Ref           store.EntityRef
	Payload       string
	SourceVersion int
}

type Author struct {
	Name string
}

// Commit describes one deployment recorded on a branch.
type Commit struct {
	Hash      string    `json:"hash"`
	Message   string    `json:"message"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"createdAt"`
}

// deployed is the file format of a branch version.
type deployed struct {
	store.Version
	SourceVersion int `json:"sourceVersion"`
}

type Store struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Store {
	return &Store{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

func (s *Store) repoPath(branch string) string {
	return filepath.Join(s.baseDir, branch)
}

func (s *Store) branchLock(branch string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[branch]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[branch] = lock
	return lock
}

func entityDir(ref store.EntityRef) string {
	return path.Join(string(ref.Kind), strconv.FormatInt(ref.EntityID, 10))
}

// CreateVersions appends one new version per input to branch, numbering each
// entity independently of main. The branch repository is created on first use.
func (s *Store) CreateVersions(ctx context.Context, branch string, inputs []VersionInput, author Author) ([]store.Version, error) {
	if !ValidName(branch) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBranch, branch)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lock := s.branchLock(branch)
	lock.Lock()
	defer lock.Unlock()

	if len(inputs) == 0 {
		return make([]store.Version, 0), nil
	}

	repo, err := s.openOrInit(branch)
	if err != nil {
		return nil, err
	}
	worktree, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("open worktree: %w", err)
	}
	root := worktree.Filesystem.Root()

	var written []string
	committed := false
	defer func() {
		if !committed {
			discardWrites(worktree, root, written)
		}
	}()

	now := time.Now().UTC()
	created := make([]store.Version, 0, len(inputs))
	next := map[store.EntityRef]int{}
	sources := make([]string, 0, len(inputs))
	for _, input := range inputs {
		n, ok := next[input.Ref]
		if !ok {
			n, err = highestVersion(filepath.Join(root, filepath.FromSlash(entityDir(input.Ref))))
			if err != nil {
				return nil, err
			}
		}
		n++
		next[input.Ref] = n

		v := store.Version{
			Kind:      input.Ref.Kind,
			EntityID:  input.Ref.EntityID,
			Version:   n,
			Payload:   input.Payload,
			ChangedBy: author.Name,
			ChangedOn: now,
		}
		rel := path.Join(entityDir(input.Ref), strconv.Itoa(n)+".json")
		if err := writeVersion(root, rel, deployed{Version: v, SourceVersion: input.SourceVersion}); err != nil {
			return nil, err
		}
		written = append(written, rel)
		if _, err := worktree.Add(rel); err != nil {
			return nil, fmt.Errorf("git add %s: %w", rel, err)
		}
		created = append(created, v)
		sources = append(sources, fmt.Sprintf("%s@%d -> %d", input.Ref, input.SourceVersion, n))
	}

	message := fmt.Sprintf("Deploy %d entities from main\n\n%s", len(inputs), strings.Join(sources, "\n"))
	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author.Name,
			Email: fmt.Sprintf("%s@branches.wiser.local", sanitizeEmail(author.Name)),
			When:  now,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("commit branch %s: %w", branch, err)
	}
	committed = true
	if _, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true); err != nil {
		if err := pointHeadAtMain(repo, hash); err != nil {
			return nil, err
		}
	}
	return created, nil
}

// discardWrites unstages and deletes the files of a deploy that did not
// commit, so the next deploy neither counts nor commits them.
func discardWrites(worktree *git.Worktree, root string, written []string) {
	for _, rel := range written {
		_, _ = worktree.Remove(rel)
		_ = os.Remove(filepath.Join(root, filepath.FromSlash(rel)))
	}
}

func (s *Store) openOrInit(branch string) (*git.Repository, error) {
	repoPath := s.repoPath(branch)
	repo, err := git.PlainOpen(repoPath)
	if err == nil {
		return repo, nil
	}
	if !errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, fmt.Errorf("open branch %s: %w", branch, err)
	}
	if err := os.MkdirAll(repoPath, 0o755); err != nil {
		return nil, fmt.Errorf("create branch dir: %w", err)
	}
	repo, err = git.PlainInit(repoPath, false)
	if err != nil {
		return nil, fmt.Errorf("init branch %s: %w", branch, err)
	}
	return repo, nil
}

func pointHeadAtMain(repo *git.Repository, hash plumbing.Hash) error {
	main := plumbing.NewBranchReferenceName(mainBranch)
	if err := repo.Storer.SetReference(plumbing.NewHashReference(main, hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, main)); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

func highestVersion(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", dir, err)
	}
	highest := 0
	for _, entry := range entries {
		n, ok := versionFromName(entry.Name())
		if ok && n > highest {
			highest = n
		}
	}
	return highest, nil
}

func versionFromName(name string) (int, bool) {
	base, found := strings.CutSuffix(name, ".json")
	if !found {
		return 0, false
	}
	n, err := strconv.Atoi(base)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func writeVersion(root, rel string, v deployed) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", rel, err)
	}
	full := filepath.Join(root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(rel), err)
	}
	if err := os.WriteFile(full, append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", rel, err)
	}
	return nil
}

func (s *Store) headCommit(branch string) (*object.Commit, error) {
	repo, err := git.PlainOpen(s.repoPath(branch))
	if errors.Is(err, git.ErrRepositoryNotExists) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open branch %s: %w", branch, err)
	}
	ref, err := repo.Reference(plumbing.NewBranchReferenceName(mainBranch), true)
	if errors.Is(err, plumbing.ErrReferenceNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve branch %s: %w", branch, err)
	}
	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("load commit object: %w", err)
	}
	return commitObj, nil
}

// ListVersions returns the branch versions of ref, oldest first. Unknown
// branches and entities yield an empty list.
func (s *Store) ListVersions(ctx context.Context, branch string, ref store.EntityRef) ([]store.Version, error) {
	if !ValidName(branch) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBranch, branch)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lock := s.branchLock(branch)
	lock.Lock()
	defer lock.Unlock()

	items := make([]store.Version, 0)
	commitObj, err := s.headCommit(branch)
	if err != nil || commitObj == nil {
		return items, err
	}

	prefix := entityDir(ref) + "/"
	files, err := commitObj.Files()
	if err != nil {
		return nil, fmt.Errorf("list branch files: %w", err)
	}
	err = files.ForEach(func(f *object.File) error {
		if !strings.HasPrefix(f.Name, prefix) {
			return nil
		}
		if _, ok := versionFromName(path.Base(f.Name)); !ok {
			return nil
		}
		v, err := readVersion(f)
		if err != nil {
			return err
		}
		items = append(items, v.Version)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Version < items[j].Version })
	return items, nil
}

func readVersion(f *object.File) (deployed, error) {
	reader, err := f.Reader()
	if err != nil {
		return deployed{}, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer reader.Close()

	raw, err := io.ReadAll(reader)
	if err != nil {
		return deployed{}, fmt.Errorf("read %s: %w", f.Name, err)
	}
	var v deployed
	if err := json.Unmarshal(raw, &v); err != nil {
		return deployed{}, fmt.Errorf("decode %s: %w", f.Name, err)
	}
	return v, nil
}

// ListBranches returns the names of all branch repositories.
func (s *Store) ListBranches(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	names := make([]string, 0)
	entries, err := os.ReadDir(s.baseDir)
	if errors.Is(err, os.ErrNotExist) {
		return names, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read branches dir: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() || !ValidName(entry.Name()) {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.baseDir, entry.Name(), ".git")); err == nil {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// History returns the deployments recorded on branch, newest first.
func (s *Store) History(ctx context.Context, branch string, limit int) ([]Commit, error) {
	if !ValidName(branch) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidBranch, branch)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lock := s.branchLock(branch)
	lock.Lock()
	defer lock.Unlock()

	items := make([]Commit, 0)
	head, err := s.headCommit(branch)
	if err != nil || head == nil {
		return items, err
	}

	repo, err := git.PlainOpen(s.repoPath(branch))
	if err != nil {
		return nil, fmt.Errorf("open branch %s: %w", branch, err)
	}
	iter, err := repo.Log(&git.LogOptions{From: head.Hash})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	err = iter.ForEach(func(c *object.Commit) error {
		items = append(items, Commit{
			Hash:      c.Hash.String()[:7],
			Message:   c.Message,
			Author:    c.Author.Name,
			CreatedAt: c.Author.When,
		})
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
