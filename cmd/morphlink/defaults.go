package main

import (
	"time"

	"github.com/spf13/viper"
)

func initViperDefaults() {
	// Global
	viper.SetDefault("file_state_dir", "~/.morphlink")

	// Telegram
	viper.SetDefault("telegram.bot_token", "")
	viper.SetDefault("telegram.api_base_url", "https://api.telegram.org")
	viper.SetDefault("telegram.allowed_chat_ids", []int{})
	viper.SetDefault("telegram.allowed_user_ids", []int{})
	viper.SetDefault("telegram.group_require_mention", true)

	// Worker loop
	viper.SetDefault("worker.interval", 5*time.Second)
	viper.SetDefault("worker.poll_timeout", 25*time.Second)
	viper.SetDefault("worker.foreground_timeout", 90*time.Second)
	viper.SetDefault("worker.background_timeout", 30*time.Minute)
	viper.SetDefault("worker.slash_timeout", 60*time.Second)
	// Well past the worst-case cycle of a long poll plus a foreground
	// prompt, so a busy leader never looks reclaimable.
	viper.SetDefault("worker.lease_stale", 5*time.Minute)
	viper.SetDefault("worker.max_send_attempts", 5)

	// Agent child
	viper.SetDefault("agent.argv", []string{})
}
