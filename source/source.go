package source

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	"github.com/go-git/go-git/v5/plumbing/transport/http"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/reeveci/reeve-pipeline/schema"
)

// Ref selects the branch to fetch. Commit pins the snapshot to a revision of
// that branch, otherwise the branch head is used. Token, if set, authenticates
// the fetch.
type Ref struct {
	Owner  string
	Repo   string
	Branch string
	Commit string
	Token  string
}

func (r Ref) String() string {
	if r.Commit != "" {
		return fmt.Sprintf("%s/%s@%s (%s)", r.Owner, r.Repo, r.Branch, r.Commit)
	}
	return fmt.Sprintf("%s/%s@%s", r.Owner, r.Repo, r.Branch)
}

// Snapshot is the content of a commit, packed as a tar archive.
type Snapshot struct {
	Ref     Ref
	Commit  string
	Archive []byte
}

type Resolver interface {
	ResolveRef(ctx context.Context, ref Ref) (Snapshot, error)
}

// Opener returns a repository containing the requested branch.
type Opener func(ctx context.Context, ref Ref) (*git.Repository, error)

type GitResolver struct {
	Open Opener
}

// NewGitResolver clones from urlTemplate, which receives owner and repo, e.g.
// "https://github.com/%s/%s.git". Clones are held in memory. They are shallow
// unless a commit is pinned, which may no longer be the branch head.
func NewGitResolver(urlTemplate string) *GitResolver {
	return &GitResolver{
		Open: func(ctx context.Context, ref Ref) (*git.Repository, error) {
			options := &git.CloneOptions{
				URL:           fmt.Sprintf(urlTemplate, ref.Owner, ref.Repo),
				ReferenceName: plumbing.NewBranchReferenceName(ref.Branch),
				SingleBranch:  true,
				Tags:          git.NoTags,
				Auth:          auth(ref.Token),
			}
			if ref.Commit == "" {
				options.Depth = 1
			}
			return git.CloneContext(ctx, memory.NewStorage(), nil, options)
		},
	}
}

func auth(token string) transport.AuthMethod {
	if token == "" {
		return nil
	}
	return &http.BasicAuth{Username: "x-access-token", Password: token}
}

func (r *GitResolver) ResolveRef(ctx context.Context, ref Ref) (result Snapshot, err error) {
	if ref.Branch == "" {
		err = fmt.Errorf("no branch given for %s - %w", ref, schema.ERROR_SOURCE_UNAVAILABLE)
		return
	}

	repo, err := r.Open(ctx, ref)
	if err != nil {
		err = fmt.Errorf("error opening %s - %s - %w", ref, err, schema.ERROR_SOURCE_UNAVAILABLE)
		return
	}

	head, err := branchHead(repo, ref.Branch)
	if err != nil {
		err = fmt.Errorf("error resolving %s - %s - %w", ref, err, schema.ERROR_SOURCE_UNAVAILABLE)
		return
	}
	if ref.Commit != "" {
		if head, err = pinnedCommit(repo, head, ref.Commit); err != nil {
			err = fmt.Errorf("error resolving %s - %s - %w", ref, err, schema.ERROR_SOURCE_UNAVAILABLE)
			return
		}
	}

	commit, err := repo.CommitObject(head)
	if err != nil {
		err = fmt.Errorf("error reading commit %s of %s - %s - %w", head, ref, err, schema.ERROR_SOURCE_UNAVAILABLE)
		return
	}

	archive, err := Archive(commit)
	if err != nil {
		err = fmt.Errorf("error packing %s - %s - %w", ref, err, schema.ERROR_SOURCE_UNAVAILABLE)
		return
	}

	return Snapshot{Ref: ref, Commit: head.String(), Archive: archive}, nil
}

func branchHead(repo *git.Repository, branch string) (plumbing.Hash, error) {
	names := []plumbing.ReferenceName{
		plumbing.NewBranchReferenceName(branch),
		plumbing.NewRemoteReferenceName(git.DefaultRemoteName, branch),
	}
	for _, name := range names {
		ref, err := repo.Reference(name, true)
		if err == nil {
			return ref.Hash(), nil
		}
		if !errors.Is(err, plumbing.ErrReferenceNotFound) {
			return plumbing.ZeroHash, err
		}
	}
	return plumbing.ZeroHash, fmt.Errorf("branch %s not found", branch)
}

// pinnedCommit resolves revision and checks that it is part of the branch whose
// head is given.
func pinnedCommit(repo *git.Repository, head plumbing.Hash, revision string) (plumbing.Hash, error) {
	hash, err := repo.ResolveRevision(plumbing.Revision(revision))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("revision %s - %w", revision, err)
	}
	if *hash == head {
		return head, nil
	}

	headCommit, err := repo.CommitObject(head)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	pinned, err := repo.CommitObject(*hash)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	ancestor, err := pinned.IsAncestor(headCommit)
	if err != nil {
		return plumbing.ZeroHash, err
	}
	if !ancestor {
		return plumbing.ZeroHash, fmt.Errorf("commit %s is not on the branch", hash)
	}
	return *hash, nil
}

// Archive packs the tree of a commit. Entries keep tree order and carry the
// commit time, so the same commit always yields the same bytes.
func Archive(commit *object.Commit) ([]byte, error) {
	tree, err := commit.Tree()
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	modTime := commit.Committer.When.UTC()

	err = tree.Files().ForEach(func(f *object.File) error {
		mode, err := f.Mode.ToOSFileMode()
		if err != nil {
			return err
		}

		header := &tar.Header{
			Name:    strings.TrimPrefix(f.Name, "/"),
			Mode:    int64(mode.Perm()),
			Size:    f.Size,
			ModTime: modTime,
			Format:  tar.FormatPAX,
		}

		if f.Mode == filemode.Symlink {
			target, err := f.Contents()
			if err != nil {
				return err
			}
			header.Typeflag = tar.TypeSymlink
			header.Linkname = target
			header.Size = 0
			return tw.WriteHeader(header)
		}

		header.Typeflag = tar.TypeReg
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		reader, err := f.Reader()
		if err != nil {
			return err
		}
		defer reader.Close()
		_, err = io.Copy(tw, reader)
		return err
	})
	if err != nil {
		return nil, err
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
