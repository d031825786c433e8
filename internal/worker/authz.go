package worker

import (
	"fmt"
	"os"
	"strings"

	"github.com/quailyquaily/morphlink/internal/queue"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// AuthzConfig gates which updates ever reach the inbound queue. Empty
// allowlists mean "allow everyone"; a personal bot usually pins one chat
// id and leaves the rest alone.
type AuthzConfig struct {
	AllowedChatIDs      []int64 `yaml:"allowed_chat_ids"`
	AllowedUserIDs      []int64 `yaml:"allowed_user_ids"`
	GroupRequireMention bool    `yaml:"group_require_mention"`
}

func AuthzFromViper() AuthzConfig {
	return AuthzConfig{
		AllowedChatIDs:      toInt64s(viper.GetIntSlice("telegram.allowed_chat_ids")),
		AllowedUserIDs:      toInt64s(viper.GetIntSlice("telegram.allowed_user_ids")),
		GroupRequireMention: viper.GetBool("telegram.group_require_mention"),
	}
}

func toInt64s(in []int) []int64 {
	if len(in) == 0 {
		return nil
	}
	out := make([]int64, len(in))
	for i, v := range in {
		out[i] = int64(v)
	}
	return out
}

// LoadOperatorFile overlays an optional operators.yaml onto cfg. Extra ids
// are appended; the mention flag is forced on if the file sets it. A
// missing file is fine, a malformed one is reported but non-fatal.
func LoadOperatorFile(path string, cfg AuthzConfig) (AuthzConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("operators file: %w", err)
	}
	var extra AuthzConfig
	if err := yaml.Unmarshal(raw, &extra); err != nil {
		return cfg, fmt.Errorf("operators file %s: %w", path, err)
	}
	cfg.AllowedChatIDs = append(cfg.AllowedChatIDs, extra.AllowedChatIDs...)
	cfg.AllowedUserIDs = append(cfg.AllowedUserIDs, extra.AllowedUserIDs...)
	if extra.GroupRequireMention {
		cfg.GroupRequireMention = true
	}
	return cfg, nil
}

// Allow decides before enqueue; a denied update is dropped, never queued.
// The returned reason is for the audit log only.
func (c AuthzConfig) Allow(env queue.InboundEnvelope, mentioned bool) (bool, string) {
	if len(c.AllowedChatIDs) > 0 && !containsID(c.AllowedChatIDs, env.ChatID) {
		return false, "chat_not_allowed"
	}
	if len(c.AllowedUserIDs) > 0 && !containsID(c.AllowedUserIDs, env.UserID) {
		return false, "user_not_allowed"
	}
	if c.GroupRequireMention && isGroupChat(env.ChatType) && !mentioned && !env.IsReplyToBot {
		return false, "group_mention_required"
	}
	return true, ""
}

func isGroupChat(chatType string) bool {
	switch strings.ToLower(strings.TrimSpace(chatType)) {
	case "group", "supergroup":
		return true
	default:
		return false
	}
}

func containsID(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
