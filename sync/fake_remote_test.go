package sync

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	gosync "sync"

	"github.com/teranos/revsync/vcs"
)

// fakeRemote is an in-memory backend implementing Transport. It enforces the
// same rules as the real server: a revision's parent must already exist and
// revisions are immutable.
type fakeRemote struct {
	mu       gosync.Mutex
	projects map[string]*fakeProject
	calls    []string // "GET route" / "PUT route", in order
	pushed   []string // revision ids accepted by PUT, in order

	fail   map[string]*Response // canned responses by "METHOD route"
	broken map[string]error     // transport failures by "METHOD route"
}

type fakeProject struct {
	title string
	head  string
	revs  map[string]RevisionDto
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		projects: make(map[string]*fakeProject),
		fail:     make(map[string]*Response),
		broken:   make(map[string]error),
	}
}

// seed installs a project holding revs (parents before children) and head.
func (f *fakeRemote) seed(projectID, head string, revs ...vcs.Revision) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakeProject{title: projectID, head: head, revs: make(map[string]RevisionDto)}
	for _, r := range revs {
		p.revs[r.ID] = NewRevisionDto(r)
	}
	f.projects[projectID] = p
}

func (f *fakeRemote) project(projectID string) *fakeProject {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.projects[projectID]
}

func (f *fakeRemote) resetCalls() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
	f.pushed = nil
}

func (f *fakeRemote) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeRemote) pushOrder() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.pushed...)
}

func (f *fakeRemote) writes() []string {
	var out []string
	for _, c := range f.callLog() {
		if strings.HasPrefix(c, http.MethodPut) {
			out = append(out, c)
		}
	}
	return out
}

func parseRoute(route string) (projectID, revisionID string) {
	rest := strings.TrimPrefix(route, routePrefix)
	projectID, revisionID, _ = strings.Cut(rest, "/revisions/")
	return projectID, revisionID
}

func jsonResponse(status int, v any) *Response {
	body, _ := json.Marshal(v)
	return &Response{StatusCode: status, Body: body}
}

func errorResponse(status int, msgs ...string) *Response {
	return &Response{StatusCode: status, Errors: msgs}
}

func (f *fakeRemote) intercept(key string) (*Response, bool, error) {
	f.calls = append(f.calls, key)
	if err := f.broken[key]; err != nil {
		return nil, true, err
	}
	if resp := f.fail[key]; resp != nil {
		return resp, true, nil
	}
	return nil, false, nil
}

func (f *fakeRemote) Get(_ context.Context, route string) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if resp, ok, err := f.intercept(http.MethodGet + " " + route); ok {
		return resp, err
	}

	pid, rid := parseRoute(route)
	p, ok := f.projects[pid]
	if !ok {
		return errorResponse(http.StatusNotFound, "project "+pid+" not found"), nil
	}
	if rid == "" {
		dto := ProjectDto{ID: pid, Title: p.title, Head: p.head, APIVersion: APIVersion}
		for _, r := range p.revs {
			r.Data = nil
			dto.Revisions = append(dto.Revisions, r)
		}
		return jsonResponse(http.StatusOK, dto), nil
	}
	r, ok := p.revs[rid]
	if !ok {
		return errorResponse(http.StatusNotFound, "revision "+rid+" not found"), nil
	}
	return jsonResponse(http.StatusOK, r), nil
}

func (f *fakeRemote) Put(_ context.Context, route string, body any) (*Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if resp, ok, err := f.intercept(http.MethodPut + " " + route); ok {
		return resp, err
	}

	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	pid, rid := parseRoute(route)

	if rid == "" {
		var dto ProjectDto
		if err := json.Unmarshal(raw, &dto); err != nil {
			return errorResponse(http.StatusBadRequest, err.Error()), nil
		}
		status := http.StatusOK
		p, ok := f.projects[pid]
		if !ok {
			p = &fakeProject{revs: make(map[string]RevisionDto)}
			f.projects[pid] = p
			status = http.StatusCreated
		}
		if dto.Head != "" {
			if _, known := p.revs[dto.Head]; !known {
				return errorResponse(http.StatusUnprocessableEntity, "head "+dto.Head+" unknown"), nil
			}
			p.head = dto.Head
		}
		p.title = dto.Title
		return jsonResponse(status, ProjectDto{ID: pid, Title: p.title, Head: p.head}), nil
	}

	p, ok := f.projects[pid]
	if !ok {
		return errorResponse(http.StatusNotFound, "project "+pid+" not found"), nil
	}
	var dto RevisionDto
	if err := json.Unmarshal(raw, &dto); err != nil {
		return errorResponse(http.StatusBadRequest, err.Error()), nil
	}
	if dto.ParentID != "" {
		if _, known := p.revs[dto.ParentID]; !known {
			return errorResponse(http.StatusUnprocessableEntity, "parent "+dto.ParentID+" unknown"), nil
		}
	}
	if existing, dup := p.revs[rid]; dup {
		if string(existing.Data) == string(dto.Data) && existing.ParentID == dto.ParentID {
			return jsonResponse(http.StatusOK, existing), nil
		}
		return errorResponse(http.StatusConflict, "revision "+rid+" differs"), nil
	}
	p.revs[rid] = dto
	f.pushed = append(f.pushed, rid)
	return jsonResponse(http.StatusCreated, dto), nil
}

// gatedTransport blocks every Get until release is closed.
type gatedTransport struct {
	Transport
	entered chan struct{}
	release chan struct{}
}

func newGatedTransport(inner Transport) *gatedTransport {
	return &gatedTransport{
		Transport: inner,
		entered:   make(chan struct{}, 64),
		release:   make(chan struct{}),
	}
}

func (g *gatedTransport) Get(ctx context.Context, route string) (*Response, error) {
	select {
	case g.entered <- struct{}{}:
	default:
	}
	<-g.release
	return g.Transport.Get(ctx, route)
}
