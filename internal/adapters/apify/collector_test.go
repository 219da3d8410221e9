package apify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"

	"instaroom/internal/domain"
)

func newServer(t *testing.T, profile, posts string, status int) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != 0 {
			w.WriteHeader(status)
			return
		}
		if r.URL.Query().Get("token") != "secret" {
			t.Errorf("ожидали токен в запросе")
		}
		var in runInput
		_ = json.NewDecoder(r.Body).Decode(&in)
		if in.ResultsType == "details" {
			_, _ = w.Write([]byte(profile))
			return
		}
		_, _ = w.Write([]byte(posts))
	}))
}

func TestCollectorFetch(t *testing.T) {
	srv := newServer(t,
		`[{"username": "natgeo", "biography": "photos", "followersCount": 100, "postsCount": 3}]`,
		`[{"type": "Image", "caption": "sunset #travel #sea", "likesCount": 50, "displayUrl": "https://cdn.example/1.jpg", "locationName": "Lisbon"},
		  {"type": "Video", "caption": "no thumbnail", "videoUrl": "https://cdn.example/v.mp4"},
		  {"type": "Sidecar", "hashtags": ["food"], "likesCount": -3, "images": ["https://cdn.example/2.jpg", "", "https://cdn.example/3.jpg"]}]`, 0)
	defer srv.Close()

	c := NewCollector("secret", "apify/instagram-scraper", 10, 0, WithBaseURL(srv.URL))
	items, meta, err := c.Fetch(context.Background(), "natgeo")
	if err != nil {
		t.Fatalf("не ожидали ошибку: %v", err)
	}
	if meta.Username != "natgeo" || meta.FollowerCount != 100 {
		t.Fatalf("неверные метаданные: %+v", meta)
	}
	if len(items) != 2 {
		t.Fatalf("видео без изображения должно быть отброшено, получили %d элементов", len(items))
	}
	if !reflect.DeepEqual(items[0].Tags, []string{"travel", "sea"}) || items[0].Location != "Lisbon" {
		t.Fatalf("ожидали хэштеги из подписи: %+v", items[0])
	}
	if items[1].Index != 1 || items[1].MediaType != domain.MediaCarousel || len(items[1].MediaURLs) != 2 || items[1].Likes != 0 {
		t.Fatalf("неверная карусель: %+v", items[1])
	}
}

func TestCollectorErrors(t *testing.T) {
	cases := []struct {
		name    string
		profile string
		posts   string
		status  int
		reason  domain.CollectionReason
	}{
		{name: "empty profile", profile: `[]`, reason: domain.ReasonNotFound},
		{name: "private", profile: `[{"username": "x", "private": true}]`, reason: domain.ReasonPrivate},
		{name: "no posts", profile: `[{"username": "x"}]`, posts: `[]`, reason: domain.ReasonPrivate},
		{name: "rate limited", status: http.StatusTooManyRequests, reason: domain.ReasonRateLimited},
		{name: "upstream", status: http.StatusBadGateway, reason: domain.ReasonUpstream},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newServer(t, tc.profile, tc.posts, tc.status)
			defer srv.Close()

			_, _, err := NewCollector("secret", "", 0, 0, WithBaseURL(srv.URL)).Fetch(context.Background(), "x")
			if !domain.IsCollectionReason(err, tc.reason) {
				t.Fatalf("ожидали причину %s, получили %v", tc.reason, err)
			}
			se, _ := domain.AsStageError(err)
			if se.Stage != domain.StageCollecting {
				t.Fatalf("ошибка сбора должна относиться к стадии 0")
			}
		})
	}
}

func TestExtractHashtags(t *testing.T) {
	got := ExtractHashtags("a #b c#d #e_f")
	if !reflect.DeepEqual(got, []string{"b", "d", "e_f"}) {
		t.Fatalf("неверные хэштеги: %v", got)
	}
}
