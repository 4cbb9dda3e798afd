package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-resty/resty/v2"
	"golang.org/x/sync/errgroup"

	"ontask/pkg/dataframe"
	"ontask/pkg/errutil"
)

const canvasPerPage = 100

type canvasUser struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	SortableName string `json:"sortable_name"`
	Email        string `json:"email"`
	LoginID      string `json:"login_id"`
}

type canvasAssignment struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

type canvasSubmission struct {
	UserID       int64    `json:"user_id"`
	AssignmentID int64    `json:"assignment_id"`
	Score        *float64 `json:"score"`
}

// CanvasCourseSource reads the students of a course and, optionally, their
// assignment scores (one column per assignment).
type CanvasCourseSource struct {
	BaseURL            string
	Token              string
	CourseID           int64
	IncludeAssignments bool
	Client             *resty.Client
}

func (s CanvasCourseSource) client() *resty.Client {
	c := s.Client
	if c == nil {
		c = resty.New()
	}
	return c.SetBaseURL(strings.TrimRight(s.BaseURL, "/")).SetAuthToken(s.Token)
}

func canvasPages[T any](ctx context.Context, c *resty.Client, path string, query map[string]string) ([]T, error) {
	var out []T
	for page := 1; ; page++ {
		var batch []T
		resp, err := c.R().SetContext(ctx).
			SetQueryParams(query).
			SetQueryParam("per_page", strconv.Itoa(canvasPerPage)).
			SetQueryParam("page", strconv.Itoa(page)).
			SetResult(&batch).
			Get(path)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode() == 401 {
			return nil, errutil.New(errutil.StatusAuthExpired, "the Canvas token was rejected")
		}
		if resp.IsError() {
			return nil, errutil.DataInvalid(fmt.Sprintf("Canvas returned %d for %s", resp.StatusCode(), path), nil)
		}
		out = append(out, batch...)
		if len(batch) < canvasPerPage {
			return out, nil
		}
	}
}

func (s CanvasCourseSource) Load(ctx context.Context) (*dataframe.Frame, error) {
	c := s.client()
	base := fmt.Sprintf("/api/v1/courses/%d", s.CourseID)

	var (
		users       []canvasUser
		assignments []canvasAssignment
		submissions []canvasSubmission
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		users, err = canvasPages[canvasUser](gctx, c, base+"/users", map[string]string{"enrollment_type[]": "student"})
		return err
	})
	if s.IncludeAssignments {
		g.Go(func() error {
			var err error
			assignments, err = canvasPages[canvasAssignment](gctx, c, base+"/assignments", nil)
			return err
		})
		g.Go(func() error {
			var err error
			submissions, err = canvasPages[canvasSubmission](gctx, c, base+"/students/submissions",
				map[string]string{"student_ids[]": "all"})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	n := len(users)
	ids := make([]any, n)
	names := make([]any, n)
	sortable := make([]any, n)
	emails := make([]any, n)
	logins := make([]any, n)
	row := make(map[int64]int, n)
	for i, u := range users {
		ids[i], names[i], sortable[i] = u.ID, u.Name, u.SortableName
		emails[i], logins[i] = nullable(u.Email), nullable(u.LoginID)
		row[u.ID] = i
	}
	cols := []*dataframe.Series{
		dataframe.NewSeries("id", dataframe.Integer, ids...),
		dataframe.NewSeries("name", dataframe.String, names...),
		dataframe.NewSeries("sortable_name", dataframe.String, sortable...),
		dataframe.NewSeries("email", dataframe.String, emails...),
		dataframe.NewSeries("login_id", dataframe.String, logins...),
	}

	scores := make(map[int64][]any, len(assignments))
	for _, a := range assignments {
		scores[a.ID] = make([]any, n)
	}
	for _, sub := range submissions {
		vals, ok := scores[sub.AssignmentID]
		i, known := row[sub.UserID]
		if ok && known && sub.Score != nil {
			vals[i] = *sub.Score
		}
	}
	taken := map[string]bool{"id": true, "name": true, "sortable_name": true, "email": true, "login_id": true}
	for _, a := range assignments {
		name := strings.TrimSpace(a.Name)
		if name == "" || taken[name] || dataframe.ValidColumnName(name) != nil {
			name = fmt.Sprintf("assignment_%d", a.ID)
		}
		taken[name] = true
		cols = append(cols, dataframe.NewSeries(name, dataframe.Double, scores[a.ID]...))
	}
	return dataframe.New(cols...)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
