/*
Copyright (c) 2026 hortator-ai
SPDX-License-Identifier: MIT
*/

package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/hortator-ai/orchestrator/internal/orcherr"
)

// CIStatus is the tri-state the review/CI loop acts on.
type CIStatus string

const (
	CIPending CIStatus = "PENDING"
	CIPassing CIStatus = "PASSING"
	CIFailing CIStatus = "FAILING"
)

// ChangeSetRef is what Publish/Merge return: enough to locate the review
// on the external host.
type ChangeSetRef struct {
	BranchName   string
	ReviewNumber int
	ReviewURL    string
}

// Forge is the minimal opaque external VCS/review host contract:
// create-branch, push, open-review, merge, read-CI-status, close-review.
// Branch creation and push are handled by the Gateway directly via git;
// Forge covers only the review-host-side operations that have no git
// equivalent.
type Forge interface {
	OpenReview(ctx context.Context, branch, title, body string) (*ChangeSetRef, error)
	Merge(ctx context.Context, ref ChangeSetRef) error
	ReadCIStatus(ctx context.Context, ref ChangeSetRef) (CIStatus, string, error)
	CloseReview(ctx context.Context, ref ChangeSetRef) error
}

// HTTPForge implements Forge against a GitHub-shaped REST API — one
// concrete client, the same "one interface, one concrete implementation"
// shape as internal/vectorstore's Qdrant/Milvus clients.
type HTTPForge struct {
	BaseURL string
	Repo    string // "owner/name"
	Token   string
	Client  *http.Client
}

// NewHTTPForge builds an HTTPForge. client may be nil to use a client with a
// 30-second timeout.
func NewHTTPForge(baseURL, repo, token string, client *http.Client) *HTTPForge {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPForge{BaseURL: baseURL, Repo: repo, Token: token, Client: client}
}

func (f *HTTPForge) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return orcherr.Wrap(orcherr.ProviderError, "encoding forge request", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, f.BaseURL+path, reader)
	if err != nil {
		return orcherr.Wrap(orcherr.ProviderError, "building forge request", err)
	}
	req.Header.Set("Authorization", "Bearer "+f.Token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.Client.Do(req)
	if err != nil {
		return orcherr.Wrap(orcherr.Transient, "forge request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return orcherr.New(orcherr.Transient, fmt.Sprintf("forge returned %d", resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return orcherr.New(orcherr.ProviderError, fmt.Sprintf("forge returned %d", resp.StatusCode))
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return orcherr.Wrap(orcherr.ParseError, "decoding forge response", err)
		}
	}
	return nil
}

func (f *HTTPForge) OpenReview(ctx context.Context, branch, title, body string) (*ChangeSetRef, error) {
	var resp struct {
		Number  int    `json:"number"`
		HTMLURL string `json:"html_url"`
	}
	req := map[string]string{"head": branch, "base": "main", "title": title, "body": body}
	if err := f.do(ctx, http.MethodPost, "/repos/"+f.Repo+"/pulls", req, &resp); err != nil {
		return nil, err
	}
	return &ChangeSetRef{BranchName: branch, ReviewNumber: resp.Number, ReviewURL: resp.HTMLURL}, nil
}

func (f *HTTPForge) Merge(ctx context.Context, ref ChangeSetRef) error {
	return f.do(ctx, http.MethodPut, fmt.Sprintf("/repos/%s/pulls/%d/merge", f.Repo, ref.ReviewNumber), nil, nil)
}

func (f *HTTPForge) ReadCIStatus(ctx context.Context, ref ChangeSetRef) (CIStatus, string, error) {
	var resp struct {
		State       string `json:"state"`
		Description string `json:"description"`
	}
	if err := f.do(ctx, http.MethodGet, fmt.Sprintf("/repos/%s/commits/%s/status", f.Repo, ref.BranchName), nil, &resp); err != nil {
		return CIPending, "", err
	}
	switch resp.State {
	case "success":
		return CIPassing, resp.Description, nil
	case "failure", "error":
		return CIFailing, resp.Description, nil
	default:
		return CIPending, resp.Description, nil
	}
}

func (f *HTTPForge) CloseReview(ctx context.Context, ref ChangeSetRef) error {
	req := map[string]string{"state": "closed"}
	return f.do(ctx, http.MethodPatch, fmt.Sprintf("/repos/%s/pulls/%d", f.Repo, ref.ReviewNumber), req, nil)
}
