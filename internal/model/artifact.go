// Package model defines the data structures shared across layers.
package model

import "time"

// CodeArtifact is a saved code body together with the output of its most
// recent execution.
//
// TemplateID links the artifact to an external template. At most one
// artifact is linked to a given template; nil means unlinked.
type CodeArtifact struct {
	ID         string    `json:"codeId"`
	TemplateID *int64    `json:"codeTemplateId"`
	Body       string    `json:"body"`
	Language   string    `json:"language"`
	Stdin      string    `json:"stdin"`
	Stdout     string    `json:"stdout"`
	Stderr     string    `json:"stderr"`
	Path       string    `json:"path"` // file name the body was staged under
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Linked reports whether the artifact is bound to a template.
func (a *CodeArtifact) Linked() bool {
	return a.TemplateID != nil
}
