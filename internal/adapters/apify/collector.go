package apify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"instaroom/internal/domain"
	"instaroom/internal/infra/metrics"
)

const defaultBaseURL = "https://api.apify.com/v2"

var hashtagRe = regexp.MustCompile(`#(\w+)`)

// Collector реализует domain.Collector через актор instagram-scraper на Apify.
type Collector struct {
	http    *http.Client
	baseURL string
	token   string
	actor   string
	limit   int
}

var _ domain.Collector = (*Collector)(nil)

// Option настраивает Collector.
type Option func(*Collector)

// WithBaseURL переопределяет адрес API.
func WithBaseURL(u string) Option {
	return func(c *Collector) { c.baseURL = strings.TrimRight(u, "/") }
}

// NewCollector создаёт клиента Apify.
func NewCollector(token, actor string, limit int, timeout time.Duration, opts ...Option) *Collector {
	if actor == "" {
		actor = "apify~instagram-scraper"
	}
	if limit <= 0 {
		limit = 10
	}
	if timeout <= 0 {
		timeout = 180 * time.Second
	}
	c := &Collector{
		http:    &http.Client{Timeout: timeout},
		baseURL: defaultBaseURL,
		token:   token,
		actor:   strings.ReplaceAll(actor, "/", "~"),
		limit:   limit,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type runInput struct {
	DirectURLs   []string `json:"directUrls"`
	ResultsType  string   `json:"resultsType"`
	ResultsLimit int      `json:"resultsLimit"`
}

type profileItem struct {
	Username       string `json:"username"`
	Biography      string `json:"biography"`
	ProfilePicURL  string `json:"profilePicUrl"`
	FollowersCount int    `json:"followersCount"`
	PostsCount     int    `json:"postsCount"`
	Private        bool   `json:"private"`
	Error          string `json:"error"`
}

type postItem struct {
	Type         string    `json:"type"`
	Caption      string    `json:"caption"`
	Hashtags     []string  `json:"hashtags"`
	LikesCount   int       `json:"likesCount"`
	Timestamp    time.Time `json:"timestamp"`
	LocationName string    `json:"locationName"`
	DisplayURL   string    `json:"displayUrl"`
	Images       []string  `json:"images"`
	VideoURL     string    `json:"videoUrl"`
	Error        string    `json:"error"`
}

// Fetch загружает профиль и последние публикации. Публикации без изображений отбрасываются.
func (c *Collector) Fetch(ctx context.Context, identity string) ([]domain.SourceItem, domain.ProfileMeta, error) {
	if c.token == "" {
		return nil, domain.ProfileMeta{}, domain.NewCollectionError(domain.ReasonUpstream, "scraper token is not configured", nil)
	}
	profileURL := "https://www.instagram.com/" + url.PathEscape(identity) + "/"

	var profiles []profileItem
	if err := c.run(ctx, runInput{DirectURLs: []string{profileURL}, ResultsType: "details", ResultsLimit: 1}, &profiles); err != nil {
		return nil, domain.ProfileMeta{}, err
	}
	if len(profiles) == 0 || profiles[0].Error != "" || profiles[0].Username == "" {
		return nil, domain.ProfileMeta{}, domain.NewCollectionError(domain.ReasonNotFound, fmt.Sprintf("profile %q not found", identity), nil)
	}
	p := profiles[0]
	if p.Private {
		return nil, domain.ProfileMeta{}, domain.NewCollectionError(domain.ReasonPrivate, fmt.Sprintf("profile %q is private", identity), nil)
	}
	meta := domain.ProfileMeta{
		Username:      p.Username,
		Biography:     p.Biography,
		AvatarURL:     p.ProfilePicURL,
		FollowerCount: p.FollowersCount,
		PostCount:     p.PostsCount,
	}

	var posts []postItem
	if err := c.run(ctx, runInput{DirectURLs: []string{profileURL}, ResultsType: "posts", ResultsLimit: c.limit}, &posts); err != nil {
		return nil, meta, err
	}
	items := make([]domain.SourceItem, 0, len(posts))
	for _, raw := range posts {
		if raw.Error != "" {
			continue
		}
		item, ok := toSourceItem(raw)
		if !ok {
			continue
		}
		item.Index = len(items)
		items = append(items, item)
	}
	if len(items) == 0 {
		return nil, meta, domain.NewCollectionError(domain.ReasonPrivate, fmt.Sprintf("profile %q has no accessible posts", identity), nil)
	}
	return items, meta, nil
}

func toSourceItem(raw postItem) (domain.SourceItem, bool) {
	var urls []string
	for _, u := range raw.Images {
		if u = strings.TrimSpace(u); u != "" {
			urls = append(urls, u)
		}
	}
	if len(urls) == 0 && strings.TrimSpace(raw.DisplayURL) != "" {
		urls = []string{raw.DisplayURL}
	}
	if len(urls) == 0 {
		return domain.SourceItem{}, false
	}

	tags := raw.Hashtags
	if len(tags) == 0 {
		tags = ExtractHashtags(raw.Caption)
	}
	mediaType := domain.MediaImage
	switch {
	case raw.Type == "Video":
		mediaType = domain.MediaVideo
	case raw.Type == "Sidecar" || len(urls) > 1:
		mediaType = domain.MediaCarousel
	}
	return domain.SourceItem{
		MediaURLs: urls,
		VideoURL:  raw.VideoURL,
		Caption:   raw.Caption,
		Tags:      tags,
		Likes:     max(raw.LikesCount, 0),
		PostedAt:  raw.Timestamp,
		Location:  raw.LocationName,
		MediaType: mediaType,
	}, true
}

// ExtractHashtags извлекает хэштеги из подписи без символа #.
func ExtractHashtags(caption string) []string {
	matches := hashtagRe.FindAllStringSubmatch(caption, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

func (c *Collector) run(ctx context.Context, input runInput, dst any) error {
	body, err := json.Marshal(input)
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/acts/%s/run-sync-get-dataset-items?token=%s", c.baseURL, c.actor, url.QueryEscape(c.token))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.NewCollectionError(domain.ReasonUpstream, "build scraper request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveNetworkRequest("apify", "run_"+input.ResultsType, c.actor, start, err)
		return domain.NewCollectionError(domain.ReasonUpstream, "scraper request failed", err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err == nil && resp.StatusCode >= 400 {
		err = fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	metrics.ObserveNetworkRequest("apify", "run_"+input.ResultsType, c.actor, start, err)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return domain.NewCollectionError(domain.ReasonRateLimited, "scraper rate limited", err)
	case resp.StatusCode == http.StatusNotFound:
		return domain.NewCollectionError(domain.ReasonNotFound, "scraper returned not found", err)
	case err != nil:
		return domain.NewCollectionError(domain.ReasonUpstream, "scraper failed", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return domain.NewCollectionError(domain.ReasonUpstream, "decode scraper response", err)
	}
	return nil
}
