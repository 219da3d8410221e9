package config

import (
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// AppConfig описывает конфигурацию сервисов.
type AppConfig struct {
	AppEnv string `envconfig:"APP_ENV" default:"dev"`

	HTTP struct {
		Addr          string        `envconfig:"HTTP_ADDR" default:":8000"`
		MetricsAddr   string        `envconfig:"METRICS_ADDR" default:":9100"`
		PublicBaseURL string        `envconfig:"PUBLIC_BASE_URL" default:"http://localhost:8000"`
		CORSOrigins   []string      `envconfig:"CORS_ORIGINS" default:"http://localhost:3000"`
		ReadTimeout   time.Duration `envconfig:"HTTP_READ_TIMEOUT" default:"30s"`
	} `envconfig:""`

	PGDSN string `envconfig:"PG_DSN"`

	RedisAddr string `envconfig:"REDIS_ADDR"`

	Dispatch struct {
		Mode           string `envconfig:"DISPATCH_MODE" default:"inline"`
		RabbitURL      string `envconfig:"RABBITMQ_URL"`
		Queue          string `envconfig:"PIPELINE_QUEUE" default:"instaroom_pipeline"`
		MaxRunningJobs int    `envconfig:"MAX_RUNNING_JOBS" default:"4"`
		WorkerPrefetch int    `envconfig:"WORKER_PREFETCH" default:"1"`
	} `envconfig:""`

	OpenAI struct {
		APIKey      string        `envconfig:"OPENAI_API_KEY"`
		BaseURL     string        `envconfig:"OPENAI_BASE_URL" default:"https://api.openai.com/v1"`
		TextModel   string        `envconfig:"OPENAI_TEXT_MODEL" default:"gpt-4o-mini"`
		VisionModel string        `envconfig:"OPENAI_VISION_MODEL" default:"gpt-4o"`
		ImageModel  string        `envconfig:"OPENAI_IMAGE_MODEL" default:"gpt-image-1"`
		ImageSize   string        `envconfig:"OPENAI_IMAGE_SIZE" default:"1536x1024"`
		Timeout     time.Duration `envconfig:"OPENAI_TIMEOUT" default:"120s"`
	} `envconfig:""`

	Apify struct {
		Token        string        `envconfig:"APIFY_TOKEN"`
		Actor        string        `envconfig:"APIFY_ACTOR" default:"apify~instagram-scraper"`
		ResultsLimit int           `envconfig:"APIFY_RESULTS_LIMIT" default:"10"`
		Timeout      time.Duration `envconfig:"APIFY_TIMEOUT" default:"180s"`
	} `envconfig:""`

	WorldLabs struct {
		APIKey       string        `envconfig:"WORLDLABS_API_KEY"`
		BaseURL      string        `envconfig:"WORLDLABS_BASE_URL" default:"https://api.worldlabs.ai/marble/v1"`
		Model        string        `envconfig:"WORLDLABS_MODEL" default:"Marble 0.1-mini"`
		PollInterval time.Duration `envconfig:"WORLDLABS_POLL_INTERVAL" default:"5s"`
		PollTimeout  time.Duration `envconfig:"WORLDLABS_POLL_TIMEOUT" default:"600s"`
	} `envconfig:""`

	Blob struct {
		Mode           string `envconfig:"BLOB_MODE" default:"local"`
		Dir            string `envconfig:"BLOB_DIR" default:"./data/media"`
		GCSBucket      string `envconfig:"GCS_BUCKET"`
		GCSCredentials string `envconfig:"GCS_CREDENTIALS_FILE"`
		GCSPublicBase  string `envconfig:"GCS_PUBLIC_BASE_URL"`
	} `envconfig:""`

	Pipeline struct {
		AnalyzeConcurrency       int           `envconfig:"ANALYZE_CONCURRENCY" default:"5"`
		AnalyzeGlobalConcurrency int64         `envconfig:"ANALYZE_GLOBAL_CONCURRENCY" default:"20"`
		AnalysisFailurePolicy    string        `envconfig:"ANALYSIS_FAILURE_POLICY" default:"isolate"`
		AnalysisCacheTTL         time.Duration `envconfig:"ANALYSIS_CACHE_TTL" default:"168h"`
		CritiqueMaxIterations    int           `envconfig:"CRITIQUE_MAX_ITERATIONS" default:"3"`
		CritiqueAcceptThreshold  float64       `envconfig:"CRITIQUE_ACCEPT_THRESHOLD" default:"3.5"`
		CritiqueCriterionFloor   int           `envconfig:"CRITIQUE_CRITERION_FLOOR" default:"3"`
		StrictFieldOfView        bool          `envconfig:"STRICT_FIELD_OF_VIEW" default:"false"`
		DebugOutputDir           string        `envconfig:"DEBUG_OUTPUT_DIR"`
	} `envconfig:""`

	Upload struct {
		MinFiles int   `envconfig:"UPLOAD_MIN_FILES" default:"5"`
		MaxFiles int   `envconfig:"UPLOAD_MAX_FILES" default:"10"`
		MaxBytes int64 `envconfig:"UPLOAD_MAX_BYTES" default:"10485760"`
	} `envconfig:""`

	Janitor struct {
		Schedule   string        `envconfig:"JANITOR_SCHEDULE" default:"@every 5m"`
		StaleAfter time.Duration `envconfig:"JANITOR_STALE_AFTER" default:"30m"`
	} `envconfig:""`

	Telegram struct {
		Token        string `envconfig:"TG_BOT_TOKEN"`
		NotifyChatID int64  `envconfig:"TG_NOTIFY_CHAT_ID"`
	} `envconfig:""`
}

// Load загружает конфиг из окружения. Вне production сначала подхватывается .env.
func Load() AppConfig {
	if os.Getenv("APP_ENV") != "production" {
		if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
			log.Printf("не удалось прочитать .env: %v", err)
		}
	}
	var cfg AppConfig
	if err := envconfig.Process("", &cfg); err != nil {
		log.Fatalf("не удалось загрузить конфиг: %v", err)
	}
	return cfg
}
