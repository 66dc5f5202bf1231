package githubapi

import (
	"github.com/go-git/go-git/v5/plumbing"
)

// BlobHash computes the git blob hash of content, matching the hash the
// contents API reports for the same bytes. Used to detect divergence
// without a round trip.
func BlobHash(content []byte) string {
	return plumbing.ComputeHash(plumbing.BlobObject, content).String()
}
