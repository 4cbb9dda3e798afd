package delivery

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ontask/pkg/config"
	"ontask/pkg/errutil"
	"ontask/services/model"
	"ontask/services/testutil"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestBuildMessage(t *testing.T) {
	e := Email{From: "instructor@example.com", To: "ann@example.com", Subject: "Hi", HTML: "<p>hi</p>",
		Attachments: []Attachment{{Name: "view.csv", ContentType: "text/csv", Data: []byte("a,b\n")}}}

	m, err := BuildMessage(e, "")
	require.NoError(t, err)
	require.Equal(t, "instructor@example.com", m.GetFrom()[0].Address)

	m, err = BuildMessage(e, "noreply@example.com")
	require.NoError(t, err)
	require.Equal(t, "noreply@example.com", m.GetFrom()[0].Address)

	e.To = "not an email"
	_, err = BuildMessage(e, "")
	require.True(t, errutil.Is(err, errutil.StatusRunRowFailure))

	e.To = "ann@example.com"
	e.Cc = []string{"bad@@example"}
	_, err = BuildMessage(e, "")
	require.True(t, errutil.Is(err, errutil.StatusRunRowFailure))
}

func TestPostJSON(t *testing.T) {
	var got []byte
	var auth string
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		auth = r.Header.Get("Authorization")
		got, _ = io.ReadAll(r.Body)
		if r.URL.Path == "/fail" {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	p := NewHTTPPoster(time.Second)
	require.NoError(t, p.PostJSON(context.Background(), srv.URL+"/ok", "secret", []byte(`{"sid":1}`)))
	require.Equal(t, "Bearer secret", auth)
	require.JSONEq(t, `{"sid":1}`, string(got))

	err := p.PostJSON(context.Background(), srv.URL+"/fail", "secret", []byte(`{}`))
	require.True(t, errutil.Is(err, errutil.StatusRunRowFailure))
	require.Equal(t, 2, calls)
}

func TestCanvasRefreshAndSend(t *testing.T) {
	var sentWith string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login/oauth2/token":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"fresh","token_type":"Bearer","expires_in":3600}`))
		case "/api/v1/conversations":
			sentWith = r.Header.Get("Authorization")
			_ = r.ParseForm()
			if r.PostForm.Get("recipients[]") != "42" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
			w.WriteHeader(http.StatusCreated)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	db := testutil.NewTestDB(t, &model.OAuthToken{})
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	require.NoError(t, db.Create(&model.OAuthToken{
		ID: node.Generate().Int64(), UserID: 7, Instance: "uni", AccessToken: "old", RefreshToken: "r1",
		ValidUntil: time.Now().Add(-time.Hour),
	}).Error)

	c := NewCanvas(db, map[string]config.CanvasInstance{"uni": {BaseURL: srv.URL, ClientID: "id", ClientSecret: "s"}}, time.Second)
	require.NoError(t, c.SendConversation(context.Background(), 7, "uni", "42", "Hi", "body"))
	require.Equal(t, "Bearer fresh", sentWith)

	var tok model.OAuthToken
	require.NoError(t, db.First(&tok, "user_id = ?", 7).Error)
	require.Equal(t, "fresh", tok.AccessToken)
	require.Equal(t, "r1", tok.RefreshToken)
	require.True(t, tok.ValidUntil.After(time.Now()))

	err = c.SendConversation(context.Background(), 8, "uni", "42", "Hi", "body")
	require.True(t, errutil.Is(err, errutil.StatusAuthExpired))

	err = c.SendConversation(context.Background(), 7, "nowhere", "42", "Hi", "body")
	require.True(t, errutil.Is(err, errutil.StatusBadRequest))
}

func TestCanvasRefreshFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	db := testutil.NewTestDB(t, &model.OAuthToken{})
	require.NoError(t, db.Create(&model.OAuthToken{ID: 1, UserID: 7, Instance: "uni", RefreshToken: "gone"}).Error)

	c := NewCanvas(db, map[string]config.CanvasInstance{"uni": {BaseURL: srv.URL}}, time.Second)
	err := c.SendConversation(context.Background(), 7, "uni", "42", "Hi", "body")
	require.True(t, errutil.Is(err, errutil.StatusAuthExpired))
}
