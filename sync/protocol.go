package sync

import (
	"net/url"
	"time"

	"github.com/teranos/revsync/vcs"
)

// APIVersion is the remote API version this client speaks. Servers advertise
// theirs in ProjectDto.APIVersion; transports reject incompatible majors.
const APIVersion = "1.2.0"

// Remote resource routes, relative to the backend base URL.
//
//	GET  /api/v1/projects/{projectId}                          project + revision index + head
//	PUT  /api/v1/projects/{projectId}                          create or update title/head
//	GET  /api/v1/projects/{projectId}/revisions/{revisionId}   full revision with payload
//	PUT  /api/v1/projects/{projectId}/revisions/{revisionId}   push one revision
const routePrefix = "/api/v1/projects/"

// ProjectRoute returns the route of a remote project resource.
func ProjectRoute(projectID string) string {
	return routePrefix + url.PathEscape(projectID)
}

// RevisionRoute returns the route of a remote revision resource.
func RevisionRoute(projectID, revisionID string) string {
	return ProjectRoute(projectID) + "/revisions/" + url.PathEscape(revisionID)
}

// ErrorBody is the JSON body of every non-2xx response.
type ErrorBody struct {
	Errors []string `json:"errors"`
}

// ProjectDto is the wire form of a remote project. Revisions is the index
// listing: descriptors only, Data is never populated there.
type ProjectDto struct {
	ID         string        `json:"id"`
	Title      string        `json:"title"`
	Head       string        `json:"head,omitempty"`
	Revisions  []RevisionDto `json:"revisions,omitempty"`
	APIVersion string        `json:"apiVersion,omitempty"`
}

// RevisionDto is the wire form of a revision. Timestamp is unix milliseconds;
// Data is base64 in JSON and null while the payload is not transferred.
type RevisionDto struct {
	ID        string `json:"id"`
	ParentID  string `json:"parentId,omitempty"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
	Data      []byte `json:"data"`
}

// Index converts the project's revision listing into a RevisionIndex.
func (p ProjectDto) Index() vcs.Index {
	ix := make(vcs.Index, len(p.Revisions))
	for _, r := range p.Revisions {
		ix[r.ID] = r.Descriptor()
	}
	return ix
}

// Descriptor converts the dto into an index entry.
func (r RevisionDto) Descriptor() vcs.Descriptor {
	return vcs.Descriptor{
		ID:        r.ID,
		ParentID:  r.ParentID,
		Message:   r.Message,
		Timestamp: FromMillis(r.Timestamp),
	}
}

// NewRevisionDto converts a revision for pushing, payload included.
func NewRevisionDto(r vcs.Revision) RevisionDto {
	return RevisionDto{
		ID:        r.ID,
		ParentID:  r.ParentID,
		Message:   r.Message,
		Timestamp: ToMillis(r.Timestamp),
		Data:      r.Payload,
	}
}

// NewDescriptorDto converts an index entry for a listing response.
func NewDescriptorDto(d vcs.Descriptor) RevisionDto {
	return RevisionDto{
		ID:        d.ID,
		ParentID:  d.ParentID,
		Message:   d.Message,
		Timestamp: ToMillis(d.Timestamp),
	}
}

// ToMillis converts t to unix milliseconds.
func ToMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// FromMillis converts unix milliseconds to a UTC time.
func FromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
