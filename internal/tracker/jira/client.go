// Package jira implements the velocity.Tracker contract against the Jira
// Software Cloud REST API (agile v1.0 and platform v2 endpoints).
package jira

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	velocity "github.com/eugener/velocity/internal"
	"github.com/eugener/velocity/internal/tracker"
)

const (
	trackerName     = "jira"
	defaultPageSize = 50
	maxPages        = 200
	maxBodyBytes    = 16 << 20
)

var _ velocity.Tracker = (*Client)(nil)

// Client is a Jira API client. Auth is handled by the transport chain of
// the provided *http.Client.
type Client struct {
	baseURL  string
	http     *http.Client
	pageSize int
}

// New creates a Client for baseURL (e.g. "https://acme.atlassian.net").
// A non-positive pageSize uses the API default of 50.
func New(baseURL string, pageSize int, client *http.Client) *Client {
	if client == nil {
		client = &http.Client{}
	}
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     client,
		pageSize: pageSize,
	}
}

// DiscoverBoards lists the scrum boards of each project. Boards shared by
// several projects are returned once.
func (c *Client) DiscoverBoards(ctx context.Context, projectKeys []string) ([]velocity.Board, error) {
	var boards []velocity.Board
	seen := make(map[int64]struct{})
	for _, key := range projectKeys {
		q := url.Values{"projectKeyOrId": {key}, "type": {"scrum"}}
		err := c.paginate(ctx, "/rest/agile/1.0/board", q, "values", func(v gjson.Result) {
			id := v.Get("id").Int()
			if _, dup := seen[id]; dup {
				return
			}
			seen[id] = struct{}{}
			project := v.Get("location.projectKey").String()
			if project == "" {
				project = key
			}
			boards = append(boards, velocity.Board{
				ID:         id,
				Name:       v.Get("name").String(),
				Type:       v.Get("type").String(),
				ProjectKey: project,
			})
		})
		if err != nil {
			return nil, fmt.Errorf("boards for %s: %w", key, err)
		}
	}
	return boards, nil
}

// DiscoverFields resolves custom field IDs by their display names.
func (c *Client) DiscoverFields(ctx context.Context) (velocity.FieldMap, error) {
	body, err := c.get(ctx, "/rest/api/2/field", nil)
	if err != nil {
		return velocity.FieldMap{}, err
	}
	var fm velocity.FieldMap
	gjson.ParseBytes(body).ForEach(func(_, f gjson.Result) bool {
		id := f.Get("id").String()
		switch strings.ToLower(f.Get("name").String()) {
		case "story points", "story point estimate":
			if fm.StoryPoints == "" {
				fm.StoryPoints = id
			}
		case "epic link":
			fm.EpicLink = id
		case "sprint":
			fm.Sprint = id
		}
		return true
	})
	return fm, nil
}

// FetchSprintsForBoard lists every sprint of the board.
func (c *Client) FetchSprintsForBoard(ctx context.Context, boardID int64) ([]velocity.Sprint, error) {
	var sprints []velocity.Sprint
	path := "/rest/agile/1.0/board/" + strconv.FormatInt(boardID, 10) + "/sprint"
	err := c.paginate(ctx, path, url.Values{}, "values", func(v gjson.Result) {
		sprints = append(sprints, velocity.Sprint{
			ID:           v.Get("id").Int(),
			BoardID:      boardID,
			Name:         v.Get("name").String(),
			State:        strings.ToLower(v.Get("state").String()),
			StartDate:    parseTime(v.Get("startDate").String()),
			EndDate:      parseTime(v.Get("endDate").String()),
			CompleteDate: parseTime(v.Get("completeDate").String()),
		})
	})
	if err != nil {
		return nil, fmt.Errorf("sprints for board %d: %w", boardID, err)
	}
	return sprints, nil
}

// FetchSprintIssues lists the issues of a sprint that belong to the scope's projects.
func (c *Client) FetchSprintIssues(ctx context.Context, sprintID int64, scope velocity.Scope, fields velocity.FieldMap) ([]velocity.Issue, error) {
	q := url.Values{
		"jql":    {projectJQL(scope.Projects)},
		"fields": {strings.Join(issueFields(fields), ",")},
	}
	var issues []velocity.Issue
	path := "/rest/agile/1.0/sprint/" + strconv.FormatInt(sprintID, 10) + "/issue"
	err := c.paginate(ctx, path, q, "issues", func(v gjson.Result) {
		issues = append(issues, parseIssue(v, fields))
	})
	if err != nil {
		return nil, fmt.Errorf("issues for sprint %d: %w", sprintID, err)
	}
	return issues, nil
}

// paginate walks a startAt/maxResults listing, calling each for every
// element of arrayField. Agile listings end on isLast; search-style
// listings end when startAt reaches total.
func (c *Client) paginate(ctx context.Context, path string, q url.Values, arrayField string, each func(gjson.Result)) error {
	startAt := 0
	for range maxPages {
		q.Set("startAt", strconv.Itoa(startAt))
		q.Set("maxResults", strconv.Itoa(c.pageSize))
		body, err := c.get(ctx, path, q)
		if err != nil {
			return err
		}
		page := gjson.ParseBytes(body)
		items := page.Get(arrayField).Array()
		for _, it := range items {
			each(it)
		}
		startAt += len(items)

		if len(items) == 0 {
			return nil
		}
		if last := page.Get("isLast"); last.Exists() {
			if last.Bool() {
				return nil
			}
			continue
		}
		if total := page.Get("total"); !total.Exists() || startAt >= int(total.Int()) {
			return nil
		}
	}
	return fmt.Errorf("jira: %s: more than %d pages: %w", path, maxPages, velocity.ErrUpstream)
}

func (c *Client) get(ctx context.Context, path string, q url.Values) ([]byte, error) {
	target := c.baseURL + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("jira: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jira: GET %s: %w: %w", path, velocity.ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, tracker.ParseAPIError(trackerName, resp)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("jira: read %s: %w: %w", path, velocity.ErrUpstream, err)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("jira: %s: invalid JSON response: %w", path, velocity.ErrUpstream)
	}
	return body, nil
}

func parseIssue(v gjson.Result, fm velocity.FieldMap) velocity.Issue {
	f := v.Get("fields")
	is := velocity.Issue{
		ID:             v.Get("id").String(),
		Key:            v.Get("key").String(),
		ProjectKey:     f.Get("project.key").String(),
		Type:           f.Get("issuetype.name").String(),
		Subtask:        f.Get("issuetype.subtask").Bool(),
		Summary:        f.Get("summary").String(),
		Status:         f.Get("status.name").String(),
		StatusCategory: f.Get("status.statusCategory.key").String(),
		Assignee:       f.Get("assignee.displayName").String(),
		Created:        parseTime(f.Get("created").String()),
		Resolved:       parseTime(f.Get("resolutiondate").String()),
	}
	if is.ProjectKey == "" {
		is.ProjectKey, _, _ = strings.Cut(is.Key, "-")
	}
	for _, l := range f.Get("labels").Array() {
		is.Labels = append(is.Labels, l.String())
	}
	if fm.StoryPoints != "" {
		is.StoryPoints = f.Get(fm.StoryPoints).Float()
	}
	if fm.EpicLink != "" {
		is.EpicKey = f.Get(fm.EpicLink).String()
	}
	if is.EpicKey == "" && f.Get("parent.fields.issuetype.name").String() == "Epic" {
		is.EpicKey = f.Get("parent.key").String()
	}
	return is
}

func issueFields(fm velocity.FieldMap) []string {
	out := []string{
		"summary", "status", "issuetype", "assignee", "project",
		"labels", "created", "resolutiondate", "parent",
	}
	for _, id := range []string{fm.StoryPoints, fm.EpicLink} {
		if id != "" {
			out = append(out, id)
		}
	}
	return out
}

func projectJQL(projects []string) string {
	quoted := make([]string, len(projects))
	for i, p := range projects {
		quoted[i] = strconv.Quote(p)
	}
	return "project in (" + strings.Join(quoted, ",") + ") ORDER BY key"
}

// Jira uses RFC 3339 for agile resources and a colon-less offset for issues.
var timeLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05.000-0700"}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
