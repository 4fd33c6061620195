package registry

import (
	"github.com/go-git/go-git/v5"
)

// repositoryRevision returns the abbreviated HEAD commit of the git
// repository containing root, or "" when root is not under git.
func repositoryRevision(root string) string {
	repo, err := git.PlainOpenWithOptions(root, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return ""
	}
	head, err := repo.Head()
	if err != nil {
		return ""
	}
	rev := head.Hash().String()
	if len(rev) > 12 {
		rev = rev[:12]
	}
	return rev
}
