package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds configuration for the bot process.
type Config struct {
	BotToken             string
	AdminIDs             []int64
	TelegramAPIBase      string
	Timeout              int
	SleepSeconds         int
	DropPending          bool
	PendingWindowSeconds int64
	PendingMaxMessages   int
	MaxConcurrentTurns   int
	TurnTimeout          time.Duration

	StorageBackend string
	RedisURL       string
	DBPath         string

	HistoryCap    int
	HistoryTTL    time.Duration
	HistoryWindow int

	OpenRouterAPIKey  string
	LLMBaseURL        string
	LLMModel          string
	LLMVisionModel    string
	LLMThinkerModel   string
	LLMImageModel     string
	LLMTranslateModel string
	LLMTimeout        time.Duration
	LLMReferer        string
	LLMTitle          string

	PersonaPromptPath   string
	PersonaVariantsPath string

	GroqAPIKey   string
	VoiceBaseURL string
	VoiceModel   string
	VoiceTimeout time.Duration
	FFmpegPath   string

	SearchEnabled    bool
	SearchEndpoint   string
	SearchMaxResults int
	SearchTimeout    time.Duration
	SearchInjection  string

	ModelProvider          string
	Commander              string
	DummyProviderScript    string
	DummyCommanderScript   string
	DummySendScript        string
	DummyTranscriberScript string

	MetricsListen string
	LogLevel      string
	LogFormat     string
}

// SetDefaults registers every key with its default so that environment
// variables of the same name are picked up by AutomaticEnv.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("bot_token", "")
	v.SetDefault("admin_ids", "")
	v.SetDefault("tg_api_base", "https://api.telegram.org")
	v.SetDefault("tg_timeout", 30)
	v.SetDefault("tg_sleep_seconds", 1)
	v.SetDefault("tg_drop_pending", true)
	v.SetDefault("tg_pending_window_seconds", 600)
	v.SetDefault("tg_pending_max_messages", 50)
	v.SetDefault("max_concurrent_turns", 8)
	v.SetDefault("turn_timeout_seconds", 180)

	v.SetDefault("storage_backend", "sqlite")
	v.SetDefault("redis_url", "redis://localhost:6379/0")
	v.SetDefault("db_path", "data/verabot.db")

	v.SetDefault("history_cap", 20)
	v.SetDefault("history_ttl_hours", 24)
	v.SetDefault("history_window", 5)

	v.SetDefault("openrouter_api_key", "")
	v.SetDefault("llm_base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("llm_model", "deepseek/deepseek-chat")
	v.SetDefault("llm_vision_model", "google/gemini-2.0-flash-001")
	v.SetDefault("llm_thinker_model", "deepseek/deepseek-r1")
	v.SetDefault("llm_image_model", "google/gemini-2.5-flash-image-preview")
	v.SetDefault("llm_translate_model", "")
	v.SetDefault("llm_timeout_seconds", 120)
	v.SetDefault("llm_referer", "https://verabot.local")
	v.SetDefault("llm_title", "VeraBot")

	v.SetDefault("persona_prompt_path", "persona_prompt.md")
	v.SetDefault("persona_variants_path", "")

	v.SetDefault("groq_api_key", "")
	v.SetDefault("voice_base_url", "https://api.groq.com/openai/v1")
	v.SetDefault("voice_model", "whisper-large-v3-turbo")
	v.SetDefault("voice_timeout_seconds", 60)
	v.SetDefault("ffmpeg_path", "ffmpeg")

	v.SetDefault("search_enabled", true)
	v.SetDefault("search_endpoint", "https://html.duckduckgo.com/html/")
	v.SetDefault("search_max_results", 3)
	v.SetDefault("search_timeout_seconds", 10)
	v.SetDefault("search_injection", "insert")

	v.SetDefault("model_provider", "openai")
	v.SetDefault("commander", "telegram")
	v.SetDefault("dummy_provider_script", "ok")
	v.SetDefault("dummy_commander_script", "ok")
	v.SetDefault("dummy_commander_send_script", "ok")
	v.SetDefault("dummy_transcriber_script", "ok")

	v.SetDefault("metrics_listen", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
}

// Load reads and validates configuration from v. Environment variables use
// the upper-case key names (BOT_TOKEN, ADMIN_IDS, ...).
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		BotToken:             strings.TrimSpace(v.GetString("bot_token")),
		Timeout:              v.GetInt("tg_timeout"),
		SleepSeconds:         v.GetInt("tg_sleep_seconds"),
		DropPending:          v.GetBool("tg_drop_pending"),
		PendingWindowSeconds: v.GetInt64("tg_pending_window_seconds"),
		PendingMaxMessages:   v.GetInt("tg_pending_max_messages"),
		MaxConcurrentTurns:   v.GetInt("max_concurrent_turns"),
		TurnTimeout:          seconds(v, "turn_timeout_seconds"),

		StorageBackend: strings.ToLower(strings.TrimSpace(v.GetString("storage_backend"))),
		RedisURL:       v.GetString("redis_url"),
		DBPath:         v.GetString("db_path"),

		HistoryCap:    v.GetInt("history_cap"),
		HistoryTTL:    time.Duration(v.GetInt("history_ttl_hours")) * time.Hour,
		HistoryWindow: v.GetInt("history_window"),

		OpenRouterAPIKey:  strings.TrimSpace(v.GetString("openrouter_api_key")),
		LLMBaseURL:        strings.TrimRight(v.GetString("llm_base_url"), "/"),
		LLMModel:          v.GetString("llm_model"),
		LLMVisionModel:    v.GetString("llm_vision_model"),
		LLMThinkerModel:   v.GetString("llm_thinker_model"),
		LLMImageModel:     v.GetString("llm_image_model"),
		LLMTranslateModel: v.GetString("llm_translate_model"),
		LLMTimeout:        seconds(v, "llm_timeout_seconds"),
		LLMReferer:        v.GetString("llm_referer"),
		LLMTitle:          v.GetString("llm_title"),

		PersonaPromptPath:   v.GetString("persona_prompt_path"),
		PersonaVariantsPath: v.GetString("persona_variants_path"),

		GroqAPIKey:   strings.TrimSpace(v.GetString("groq_api_key")),
		VoiceBaseURL: strings.TrimRight(v.GetString("voice_base_url"), "/"),
		VoiceModel:   v.GetString("voice_model"),
		VoiceTimeout: seconds(v, "voice_timeout_seconds"),
		FFmpegPath:   v.GetString("ffmpeg_path"),

		SearchEnabled:    v.GetBool("search_enabled"),
		SearchEndpoint:   v.GetString("search_endpoint"),
		SearchMaxResults: v.GetInt("search_max_results"),
		SearchTimeout:    seconds(v, "search_timeout_seconds"),
		SearchInjection:  v.GetString("search_injection"),

		ModelProvider:          strings.ToLower(v.GetString("model_provider")),
		Commander:              strings.ToLower(v.GetString("commander")),
		DummyProviderScript:    v.GetString("dummy_provider_script"),
		DummyCommanderScript:   v.GetString("dummy_commander_script"),
		DummySendScript:        v.GetString("dummy_commander_send_script"),
		DummyTranscriberScript: v.GetString("dummy_transcriber_script"),

		MetricsListen: v.GetString("metrics_listen"),
		LogLevel:      v.GetString("log_level"),
		LogFormat:     strings.ToLower(v.GetString("log_format")),
	}

	ids, err := adminIDs(v)
	if err != nil {
		return Config{}, err
	}
	cfg.AdminIDs = ids

	switch cfg.Commander {
	case "telegram":
		if cfg.BotToken == "" {
			return Config{}, fmt.Errorf("BOT_TOKEN is required in environment when COMMANDER=telegram")
		}
		if len(cfg.AdminIDs) == 0 {
			return Config{}, fmt.Errorf("ADMIN_IDS is required in environment when COMMANDER=telegram")
		}
	case "dummy":
	default:
		return Config{}, fmt.Errorf("unsupported COMMANDER: %s", cfg.Commander)
	}
	cfg.TelegramAPIBase = fmt.Sprintf("%s/bot%s", strings.TrimRight(v.GetString("tg_api_base"), "/"), cfg.BotToken)

	switch cfg.ModelProvider {
	case "openai":
		if cfg.OpenRouterAPIKey == "" {
			return Config{}, fmt.Errorf("OPENROUTER_API_KEY is required in environment when MODEL_PROVIDER=openai")
		}
	case "dummy":
	default:
		return Config{}, fmt.Errorf("unsupported MODEL_PROVIDER: %s", cfg.ModelProvider)
	}

	switch cfg.StorageBackend {
	case "sqlite":
	case "redis":
		if strings.TrimSpace(cfg.RedisURL) == "" {
			return Config{}, fmt.Errorf("REDIS_URL is required in environment when STORAGE_BACKEND=redis")
		}
	default:
		return Config{}, fmt.Errorf("unsupported STORAGE_BACKEND: %s", cfg.StorageBackend)
	}

	switch cfg.SearchInjection {
	case "insert", "suffix":
	default:
		return Config{}, fmt.Errorf("invalid SEARCH_INJECTION: %s (want insert or suffix)", cfg.SearchInjection)
	}

	switch cfg.LogFormat {
	case "json", "console":
	default:
		return Config{}, fmt.Errorf("invalid LOG_FORMAT: %s (want json or console)", cfg.LogFormat)
	}

	positive := []struct {
		key string
		val int
	}{
		{"TG_TIMEOUT", cfg.Timeout},
		{"MAX_CONCURRENT_TURNS", cfg.MaxConcurrentTurns},
		{"TURN_TIMEOUT_SECONDS", int(cfg.TurnTimeout / time.Second)},
		{"HISTORY_CAP", cfg.HistoryCap},
		{"HISTORY_TTL_HOURS", int(cfg.HistoryTTL / time.Hour)},
		{"HISTORY_WINDOW", cfg.HistoryWindow},
		{"LLM_TIMEOUT_SECONDS", int(cfg.LLMTimeout / time.Second)},
		{"SEARCH_MAX_RESULTS", cfg.SearchMaxResults},
		{"SEARCH_TIMEOUT_SECONDS", int(cfg.SearchTimeout / time.Second)},
	}
	for _, p := range positive {
		if p.val <= 0 {
			return Config{}, fmt.Errorf("%s must be > 0, got %d", p.key, p.val)
		}
	}
	if cfg.HistoryWindow > cfg.HistoryCap {
		return Config{}, fmt.Errorf("HISTORY_WINDOW (%d) must not exceed HISTORY_CAP (%d)", cfg.HistoryWindow, cfg.HistoryCap)
	}
	return cfg, nil
}

// ParseAdminIDs parses a comma-separated list of Telegram user ids. Blank
// entries are skipped.
func ParseAdminIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid ADMIN_IDS entry %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// adminIDs accepts either a comma-separated string (environment) or a list
// (config file).
func adminIDs(v *viper.Viper) ([]int64, error) {
	if list, ok := v.Get("admin_ids").([]any); ok {
		parts := make([]string, 0, len(list))
		for _, x := range list {
			parts = append(parts, fmt.Sprint(x))
		}
		return ParseAdminIDs(strings.Join(parts, ","))
	}
	return ParseAdminIDs(v.GetString("admin_ids"))
}

func seconds(v *viper.Viper, key string) time.Duration {
	return time.Duration(v.GetInt(key)) * time.Second
}
