// Package github wraps the GitHub API with the typed operations the watcher
// needs: repo-wide listing of comments/reviews/issues since a timestamp,
// single-issue fetch, comment posting, and reactions.
package github

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	gh "github.com/google/go-github/v68/github"

	"github.com/bradleyfalzon/ghinstallation/v2"
	jwt "github.com/golang-jwt/jwt/v4"

	"github.com/reporelay/reporelay/internal/watcher/retry"
)

// Comment is an issue comment or PR review comment as plain data.
type Comment struct {
	ID        int64
	Body      string
	User      string
	CreatedAt time.Time
	UpdatedAt time.Time

	// IssueNumber is set for issue comments, PRNumber for review comments;
	// both are resolved from the comment's parent reference URL and are 0
	// when the reference is missing or unparsable.
	IssueNumber int
	PRNumber    int

	// Review comment location metadata; zero values for issue comments.
	Path         string
	Line         int
	OriginalLine int
	Side         string
	HTMLURL      string
}

// Issue is an issue or pull request as plain data. Pull requests come back
// from the issues endpoints with a marker, not from a separate endpoint.
type Issue struct {
	ID        int64
	Number    int
	Title     string
	Body      string
	User      string
	CreatedAt time.Time
	UpdatedAt time.Time
	IsPR      bool
}

// RateLimitError surfaces GitHub rate-limit state so the poll loop can pick
// a backoff. RetryAfter is zero when the response carried no Retry-After.
type RateLimitError struct {
	Remaining  int
	Reset      time.Time
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("github rate limited (remaining=%d, reset=%s)", e.Remaining, e.Reset.Format(time.RFC3339))
}

// Wait returns how long to pause before retrying: Retry-After when the
// response carried one, otherwise the time until the limit resets. Zero when
// neither is known; the caller picks its own fallback.
func (e *RateLimitError) Wait() time.Duration {
	if e.RetryAfter > 0 {
		return e.RetryAfter
	}
	if !e.Reset.IsZero() {
		if d := time.Until(e.Reset); d > 0 {
			return d
		}
	}
	return 0
}

// Client is a typed GitHub API client wrapping go-github.
type Client struct {
	gh           *gh.Client
	retryBackoff []time.Duration
}

// Option configures a Client.
type Option func(*clientConfig)

// AppCredentials holds GitHub App authentication parameters.
type AppCredentials struct {
	ClientID       string
	InstallationID int64
	PrivateKeyPath string
}

type clientConfig struct {
	baseURL      string
	retryBackoff []time.Duration
	app          *AppCredentials
}

// readKeyFile is a variable for testing; defaults to os.ReadFile.
var readKeyFile = os.ReadFile

// WithBaseURL overrides the GitHub API base URL (useful for testing).
func WithBaseURL(url string) Option {
	return func(c *clientConfig) { c.baseURL = url }
}

// WithRetryBackoff overrides the default retry backoff delays.
func WithRetryBackoff(delays ...time.Duration) Option {
	return func(c *clientConfig) { c.retryBackoff = delays }
}

// WithAppAuth configures GitHub App authentication using a Client ID,
// installation ID, and private key file. When set, token is ignored.
func WithAppAuth(app AppCredentials) Option {
	return func(c *clientConfig) { c.app = &app }
}

// New creates a new GitHub API client. When WithAppAuth is provided, the
// client authenticates as a GitHub App installation (token is ignored).
// Otherwise it authenticates with the given personal access token.
func New(token string, opts ...Option) (*Client, error) {
	cfg := &clientConfig{}
	for _, o := range opts {
		o(cfg)
	}

	var client *gh.Client

	if cfg.app != nil {
		httpClient, err := newAppHTTPClient(cfg.app, cfg.baseURL)
		if err != nil {
			return nil, fmt.Errorf("configuring GitHub App auth: %w", err)
		}
		client = gh.NewClient(httpClient)
		if cfg.baseURL != "" {
			client, _ = client.WithEnterpriseURLs(cfg.baseURL, cfg.baseURL)
		}
	} else {
		client = gh.NewClient(nil).WithAuthToken(token)
		if cfg.baseURL != "" {
			client, _ = client.WithEnterpriseURLs(cfg.baseURL, cfg.baseURL)
		}
	}

	return &Client{gh: client, retryBackoff: cfg.retryBackoff}, nil
}

// newAppHTTPClient creates an http.Client with a GitHub App installation
// transport that uses Client ID (string) as the JWT issuer.
func newAppHTTPClient(app *AppCredentials, baseURL string) (*http.Client, error) {
	keyData, err := readKeyFile(expandHome(app.PrivateKeyPath))
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", app.PrivateKeyPath, err)
	}

	key, err := jwt.ParseRSAPrivateKeyFromPEM(keyData)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	signer := &clientIDSigner{
		clientID: app.ClientID,
		method:   jwt.SigningMethodRS256,
		key:      key,
	}

	atr, err := ghinstallation.NewAppsTransportWithOptions(
		http.DefaultTransport, 0, // appID unused; the signer overrides the issuer
		ghinstallation.WithSigner(signer),
	)
	if err != nil {
		return nil, fmt.Errorf("creating apps transport: %w", err)
	}
	if baseURL != "" {
		atr.BaseURL = baseURL
	}

	itr := ghinstallation.NewFromAppsTransport(atr, app.InstallationID)
	if baseURL != "" {
		itr.BaseURL = baseURL
	}

	return &http.Client{Transport: itr}, nil
}

// clientIDSigner implements ghinstallation.Signer using a string Client ID
// as the JWT issuer instead of a numeric App ID.
type clientIDSigner struct {
	clientID string
	method   jwt.SigningMethod
	key      any
}

func (s *clientIDSigner) Sign(claims jwt.Claims) (string, error) {
	if rc, ok := claims.(*jwt.RegisteredClaims); ok {
		rc.Issuer = s.clientID
	}
	return jwt.NewWithClaims(s.method, claims).SignedString(s.key)
}

// MeLogin returns the login of the authenticated account. The watcher uses
// it to skip its own comments when self-ignore is enabled.
func (c *Client) MeLogin(ctx context.Context) (string, error) {
	return retry.DoVal(ctx, func() (string, error) {
		user, _, err := c.gh.Users.Get(ctx, "")
		if err != nil {
			return "", classifyErr(fmt.Errorf("fetching authenticated user: %w", err))
		}
		return user.GetLogin(), nil
	}, c.retryOpts()...)
}

// ListIssueCommentsSince lists comments across all issues and PRs of a repo
// updated since the given time, oldest first.
func (c *Client) ListIssueCommentsSince(ctx context.Context, owner, repo string, since time.Time) ([]Comment, error) {
	return retry.DoVal(ctx, func() ([]Comment, error) {
		var all []Comment
		opts := &gh.IssueListCommentsOptions{
			Since:       gh.Ptr(since),
			Sort:        gh.Ptr("updated"),
			Direction:   gh.Ptr("asc"),
			ListOptions: gh.ListOptions{PerPage: 100},
		}
		for {
			// Issue number 0 lists comments for the whole repository.
			comments, resp, err := c.gh.Issues.ListComments(ctx, owner, repo, 0, opts)
			if err != nil {
				return nil, classifyErr(fmt.Errorf("listing issue comments: %w", err))
			}
			for _, ic := range comments {
				all = append(all, issueCommentFromGH(ic))
			}
			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		return all, nil
	}, c.retryOpts()...)
}

// ListReviewCommentsSince lists PR review comments across a repo updated
// since the given time, oldest first.
func (c *Client) ListReviewCommentsSince(ctx context.Context, owner, repo string, since time.Time) ([]Comment, error) {
	return retry.DoVal(ctx, func() ([]Comment, error) {
		var all []Comment
		opts := &gh.PullRequestListCommentsOptions{
			Since:       since,
			Sort:        "created",
			Direction:   "asc",
			ListOptions: gh.ListOptions{PerPage: 100},
		}
		for {
			// PR number 0 lists review comments for the whole repository.
			comments, resp, err := c.gh.PullRequests.ListComments(ctx, owner, repo, 0, opts)
			if err != nil {
				return nil, classifyErr(fmt.Errorf("listing review comments: %w", err))
			}
			for _, rc := range comments {
				all = append(all, reviewCommentFromGH(rc))
			}
			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		return all, nil
	}, c.retryOpts()...)
}

// ListIssuesSince lists issues and pull requests updated since the given
// time. Pull requests are flagged via Issue.IsPR, not filtered out.
func (c *Client) ListIssuesSince(ctx context.Context, owner, repo string, since time.Time) ([]Issue, error) {
	return retry.DoVal(ctx, func() ([]Issue, error) {
		var all []Issue
		opts := &gh.IssueListByRepoOptions{
			Since:       since,
			State:       "all",
			ListOptions: gh.ListOptions{PerPage: 100},
		}
		for {
			issues, resp, err := c.gh.Issues.ListByRepo(ctx, owner, repo, opts)
			if err != nil {
				return nil, classifyErr(fmt.Errorf("listing issues: %w", err))
			}
			for _, is := range issues {
				all = append(all, issueFromGH(is))
			}
			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		return all, nil
	}, c.retryOpts()...)
}

// GetIssue fetches a single issue or pull request by number.
func (c *Client) GetIssue(ctx context.Context, owner, repo string, number int) (Issue, error) {
	return retry.DoVal(ctx, func() (Issue, error) {
		issue, _, err := c.gh.Issues.Get(ctx, owner, repo, number)
		if err != nil {
			return Issue{}, classifyErr(fmt.Errorf("fetching issue #%d: %w", number, err))
		}
		return issueFromGH(issue), nil
	}, c.retryOpts()...)
}

// ListConversationComments returns all comments on one issue or PR,
// in the order the API returns them.
func (c *Client) ListConversationComments(ctx context.Context, owner, repo string, number int) ([]Comment, error) {
	return retry.DoVal(ctx, func() ([]Comment, error) {
		var all []Comment
		opts := &gh.IssueListCommentsOptions{
			ListOptions: gh.ListOptions{PerPage: 100},
		}
		for {
			comments, resp, err := c.gh.Issues.ListComments(ctx, owner, repo, number, opts)
			if err != nil {
				return nil, classifyErr(fmt.Errorf("listing comments for #%d: %w", number, err))
			}
			for _, ic := range comments {
				all = append(all, issueCommentFromGH(ic))
			}
			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		return all, nil
	}, c.retryOpts()...)
}

// PostComment posts a comment on the given issue or PR.
func (c *Client) PostComment(ctx context.Context, owner, repo string, number int, body string) (Comment, error) {
	return retry.DoVal(ctx, func() (Comment, error) {
		ic, _, err := c.gh.Issues.CreateComment(ctx, owner, repo, number, &gh.IssueComment{
			Body: gh.Ptr(body),
		})
		if err != nil {
			return Comment{}, classifyErr(fmt.Errorf("posting comment to #%d: %w", number, err))
		}
		return issueCommentFromGH(ic), nil
	}, c.retryOpts()...)
}

// AddCommentReaction adds a reaction to an issue comment.
func (c *Client) AddCommentReaction(ctx context.Context, owner, repo string, commentID int64, content string) error {
	return retry.Do(ctx, func() error {
		_, _, err := c.gh.Reactions.CreateIssueCommentReaction(ctx, owner, repo, commentID, content)
		if err != nil {
			return classifyErr(fmt.Errorf("adding reaction to comment %d: %w", commentID, err))
		}
		return nil
	}, c.retryOpts()...)
}

// AddReviewCommentReaction adds a reaction to a PR review comment. Review
// comments live under the pulls reactions endpoint, not the issues one.
func (c *Client) AddReviewCommentReaction(ctx context.Context, owner, repo string, commentID int64, content string) error {
	return retry.Do(ctx, func() error {
		_, _, err := c.gh.Reactions.CreatePullRequestCommentReaction(ctx, owner, repo, commentID, content)
		if err != nil {
			return classifyErr(fmt.Errorf("adding reaction to review comment %d: %w", commentID, err))
		}
		return nil
	}, c.retryOpts()...)
}

var parentNumberRe = regexp.MustCompile(`/(?:issues|pulls)/(\d+)$`)

// parentNumber extracts the trailing conversation number from an issue_url
// or pull_request_url reference. Returns 0 when the URL doesn't carry one.
func parentNumber(url string) int {
	m := parentNumberRe.FindStringSubmatch(url)
	if m == nil {
		return 0
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0
	}
	return n
}

func issueCommentFromGH(ic *gh.IssueComment) Comment {
	return Comment{
		ID:          ic.GetID(),
		Body:        ic.GetBody(),
		User:        ic.GetUser().GetLogin(),
		CreatedAt:   ic.GetCreatedAt().Time,
		UpdatedAt:   ic.GetUpdatedAt().Time,
		IssueNumber: parentNumber(ic.GetIssueURL()),
		HTMLURL:     ic.GetHTMLURL(),
	}
}

func reviewCommentFromGH(rc *gh.PullRequestComment) Comment {
	return Comment{
		ID:           rc.GetID(),
		Body:         rc.GetBody(),
		User:         rc.GetUser().GetLogin(),
		CreatedAt:    rc.GetCreatedAt().Time,
		UpdatedAt:    rc.GetUpdatedAt().Time,
		PRNumber:     parentNumber(rc.GetPullRequestURL()),
		Path:         rc.GetPath(),
		Line:         rc.GetLine(),
		OriginalLine: rc.GetOriginalLine(),
		Side:         rc.GetSide(),
		HTMLURL:      rc.GetHTMLURL(),
	}
}

func issueFromGH(is *gh.Issue) Issue {
	return Issue{
		ID:        is.GetID(),
		Number:    is.GetNumber(),
		Title:     is.GetTitle(),
		Body:      is.GetBody(),
		User:      is.GetUser().GetLogin(),
		CreatedAt: is.GetCreatedAt().Time,
		UpdatedAt: is.GetUpdatedAt().Time,
		IsPR:      is.IsPullRequest(),
	}
}

// retryOpts returns the retry options for this client.
func (c *Client) retryOpts() []retry.Option {
	if len(c.retryBackoff) > 0 {
		return []retry.Option{retry.WithBackoff(c.retryBackoff...)}
	}
	return nil
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// classifyErr wraps a go-github error as permanent if it's a client error
// (4xx) so the per-call retry gives up immediately. Rate-limit errors are
// converted to RateLimitError and also marked permanent: backoff for those
// belongs to the poll loop, which sees the full rate-limit state.
func classifyErr(err error) error {
	if err == nil {
		return nil
	}

	var rle *gh.RateLimitError
	if errors.As(err, &rle) {
		return retry.Permanent(&RateLimitError{
			Remaining: rle.Rate.Remaining,
			Reset:     rle.Rate.Reset.Time,
		})
	}
	var abuse *gh.AbuseRateLimitError
	if errors.As(err, &abuse) {
		e := &RateLimitError{}
		if abuse.RetryAfter != nil {
			e.RetryAfter = *abuse.RetryAfter
		}
		return retry.Permanent(e)
	}

	var ghErr *gh.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		if ghErr.Response.StatusCode >= 400 && ghErr.Response.StatusCode < 500 {
			return retry.Permanent(err)
		}
	}
	return err
}
