package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			DataDir:                "~/.relaybot",
			LogLevel:               "info",
			MaxConcurrentTurns:     8,
			ShutdownTimeoutSeconds: 30,
		},
		Telegram: TelegramConfig{
			ParseModes:  []string{"Markdown", "MarkdownV2", "HTML"},
			PollTimeout: 30,
		},
		Workflow: WorkflowConfig{
			APIBase:        "https://api.dify.ai/v1",
			TimeoutSeconds: 60,
			MaxRetries:     2,
			AnswerKey:      "answer",
			TypeKey:        "type",
			ExtrasKey:      "extras",
		},
		Telegraph: TelegraphConfig{
			Enabled:   true,
			TokenFile: "~/.relaybot/telegraph.token",
			ShortName: "relaybot",
		},
		Media: MediaConfig{
			DownloadDir:      "~/.relaybot/downloads",
			MaxAgeHours:      24,
			MaxDownloadBytes: 20 << 20,
			JPEGQuality:      85,
			MaxDimension:     2560,
			GroupTTLSeconds:  60,
		},
		Browser: BrowserConfig{
			Enabled:        false,
			Headless:       true,
			ProfileDir:     "~/.relaybot/chrome-profile",
			TimeoutSeconds: 60,
		},
		Storage: StorageConfig{
			DBPath: "~/.relaybot/relaybot.db",
		},
		Metrics: MetricsConfig{
			Enabled:  false,
			Listen:   "127.0.0.1:9464",
			Endpoint: "/metrics",
		},
	}
}
