package schema

import (
	"github.com/opencontainers/go-digest"
)

// ArtifactRef identifies one immutable blob produced by a stage of a run.
// Namespace isolates runs from each other.
type ArtifactRef struct {
	Namespace string        `json:"namespace"`
	Name      string        `json:"name"`
	Digest    digest.Digest `json:"digest"`
	Size      int64         `json:"size"`
}

func (r ArtifactRef) String() string {
	return r.Namespace + "/" + r.Name + "@" + r.Digest.String()
}

func (r ArtifactRef) Key() string {
	return r.Namespace + "/" + r.Name
}

func (r ArtifactRef) Valid() bool {
	return r.Namespace != "" && r.Name != "" && r.Digest.Validate() == nil
}
