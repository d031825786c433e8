package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/quailyquaily/morphlink/internal/checktrigger"
	"github.com/quailyquaily/morphlink/internal/jobs"
	"github.com/quailyquaily/morphlink/internal/leader"
	"github.com/quailyquaily/morphlink/internal/queue"
	"github.com/quailyquaily/morphlink/internal/rpc"
	"github.com/quailyquaily/morphlink/internal/telegram"
)

func (r *Runtime) envelopeFromUpdate(u telegram.Update) (queue.InboundEnvelope, bool) {
	msg := u.Message
	if msg == nil {
		msg = u.EditedMessage
	}
	if msg == nil || msg.Chat == nil {
		return queue.InboundEnvelope{}, false
	}
	text := telegram.TextOrCaption(msg)
	media := mediaRefFromMessage(msg)
	if strings.TrimSpace(text) == "" && media == nil {
		return queue.InboundEnvelope{}, false
	}
	env := queue.InboundEnvelope{
		UpdateID:  u.UpdateID,
		ChatID:    msg.Chat.ID,
		ChatType:  msg.Chat.Type,
		MessageID: msg.MessageID,
		Date:      msg.Date,
		Text:      text,
		Media:     media,
	}
	if msg.From != nil {
		env.UserID = msg.From.ID
		env.UserDisplay = telegram.DisplayName(msg.From)
	}
	botID, _ := r.identity()
	if msg.ReplyTo != nil && msg.ReplyTo.From != nil && botID != 0 && msg.ReplyTo.From.ID == botID {
		env.IsReplyToBot = true
	}
	env.SessionKey = fmt.Sprintf("chat:%d", env.ChatID)
	if file, err := r.sessions.File(env.SessionKey); err == nil {
		env.SessionFile = file
	} else {
		r.logger.Warn("session_assign_error", "session_key", env.SessionKey, "error", err)
	}
	return env, true
}

func (r *Runtime) mentioned(u telegram.Update) bool {
	_, username := r.identity()
	if username == "" {
		return false
	}
	msg := u.Message
	if msg == nil {
		msg = u.EditedMessage
	}
	if msg == nil {
		return false
	}
	needle := "@" + strings.ToLower(username)
	return strings.Contains(strings.ToLower(telegram.TextOrCaption(msg)), needle)
}

func mediaRefFromMessage(msg *telegram.Message) *queue.MediaRef {
	switch {
	case msg.Voice != nil:
		return &queue.MediaRef{Kind: queue.MediaVoice, FileID: msg.Voice.FileID, MimeType: msg.Voice.MimeType}
	case msg.Audio != nil:
		return &queue.MediaRef{Kind: queue.MediaAudio, FileID: msg.Audio.FileID, FileName: msg.Audio.FileName, MimeType: msg.Audio.MimeType}
	case len(msg.Photo) > 0:
		// Largest rendition is last in the Bot API's size list.
		return &queue.MediaRef{Kind: queue.MediaPhoto, FileID: msg.Photo[len(msg.Photo)-1].FileID}
	case msg.Document != nil:
		return &queue.MediaRef{Kind: queue.MediaDocument, FileID: msg.Document.FileID, FileName: msg.Document.FileName, MimeType: msg.Document.MimeType}
	default:
		return nil
	}
}

// drainInbound gives every queued envelope exactly one handling attempt.
// The item is removed whether handling succeeded or produced an error
// reply; only a persistence failure leaves it queued.
func (r *Runtime) drainInbound(ctx context.Context) {
	for r.inbound.Len() > 0 {
		if ctx.Err() != nil {
			return
		}
		r.refreshLease(ctx)
		env := r.inbound.Items()[0]
		reply := r.handleEnvelope(ctx, env)
		if err := r.inbound.Remove(0); err != nil {
			r.logger.Error("inbound_remove_error", "update_id", env.UpdateID, "error", err)
			return
		}
		r.appendEvent("inbound_handled", env.ChatID, env.UpdateID, "")
		r.enqueueReply(env.ChatID, env.MessageID, reply)
	}
}

// handleEnvelope dispatches one inbound item and returns the chat reply.
func (r *Runtime) handleEnvelope(ctx context.Context, env queue.InboundEnvelope) string {
	_ = r.tg.SendChatAction(ctx, env.ChatID, "typing")

	text := strings.TrimSpace(env.Text)
	if env.Media != nil && text == "" {
		transcribed, failReply := r.transcribeMedia(ctx, env)
		if failReply != "" {
			return failReply
		}
		text = transcribed
	}
	if strings.HasPrefix(text, "/") {
		_, username := r.identity()
		return r.handleSlash(ctx, env, rpc.NormalizeSlash(text, username))
	}
	return r.handlePlainPrompt(ctx, env, text)
}

// transcribeMedia returns either the transcribed text or a chat-facing
// failure reply; exactly one of the two is non-empty.
func (r *Runtime) transcribeMedia(ctx context.Context, env queue.InboundEnvelope) (text, failReply string) {
	if r.transcriber == nil {
		return "", "I can't transcribe media yet; set stt.provider in the config."
	}
	text, err := r.transcriber.Transcribe(ctx, *env.Media)
	if err != nil {
		r.logger.Warn("transcribe_error", "kind", env.Media.Kind, "error", err)
		return "", fmt.Sprintf("Transcription failed: %v", err)
	}
	return text, ""
}

// handlePlainPrompt runs a conversational turn. The prompt carries a
// metadata prefix so the agent knows who is talking and from where; the
// raw text follows untouched.
func (r *Runtime) handlePlainPrompt(ctx context.Context, env queue.InboundEnvelope, text string) string {
	bridge, err := r.ensureBridge(ctx, env.SessionFile)
	if err != nil {
		r.logger.Error("bridge_unavailable", "error", err)
		return "The agent is unavailable right now; try again shortly."
	}
	prompt := promptWithMetadata(env, text, r.now())
	res, err := bridge.RunPrompt(ctx, prompt, r.cfg.ForegroundTimeout)
	if err == nil {
		if res.Text == "" {
			return "Done."
		}
		return res.Text
	}
	if errors.Is(err, rpc.ErrTimeout) {
		_, promoteErr := r.jobs.Promote(ctx, jobs.PromoteParams{
			UpdateID:    env.UpdateID,
			ChatID:      env.ChatID,
			UserID:      env.UserID,
			MessageID:   env.MessageID,
			SessionKey:  env.SessionKey,
			SessionFile: env.SessionFile,
			PromptText:  prompt,
		})
		if promoteErr != nil {
			r.logger.Error("job_promote_error", "error", promoteErr)
			return "That took too long and I couldn't queue it as a background job."
		}
		// Promote already acknowledged with the job id.
		return ""
	}
	r.logger.Error("prompt_error", "update_id", env.UpdateID, "error", err)
	return "Something went wrong handling that message."
}

// promptWithMetadata prefixes conversational context for plain prompts.
// Slash commands never go through here; they are sent verbatim.
func promptWithMetadata(env queue.InboundEnvelope, text string, now time.Time) string {
	at := now
	if env.Date > 0 {
		at = time.Unix(env.Date, 0).UTC()
	}
	from := ""
	if env.UserDisplay != "" {
		from = fmt.Sprintf(" from=%q", env.UserDisplay)
	}
	return fmt.Sprintf("[telegram chat_id=%d chat_type=%s user_id=%d%s at=%s]\n%s",
		env.ChatID, env.ChatType, env.UserID, from, at.Format(time.RFC3339), text)
}

func (r *Runtime) handleSlash(ctx context.Context, env queue.InboundEnvelope, text string) string {
	switch rpc.SlashName(text) {
	case "new":
		if _, err := r.sessions.Reset(env.SessionKey); err != nil {
			r.logger.Error("session_reset_error", "session_key", env.SessionKey, "error", err)
			return "Couldn't reset the session; check the state directory."
		}
		return "🧹 Started a new session."
	case "status":
		return r.statusReply()
	case "check":
		req := checktrigger.Request{RequesterRole: "chat", Source: fmt.Sprintf("chat:%d", env.ChatID)}
		if err := checktrigger.Write(r.paths.CheckTrigger, req); err != nil {
			return "Couldn't record the check request."
		}
		return "🔄 Check requested; the leader will poll immediately."
	case "jobs":
		return jobs.FormatList(r.jobs.List(), r.now())
	case "cancel":
		return r.cancelReply(ctx, text)
	case "tts":
		return r.ttsReply(ctx, text)
	}

	bridge, err := r.ensureBridge(ctx, env.SessionFile)
	if err != nil {
		r.logger.Error("bridge_unavailable", "error", err)
		return "The agent is unavailable right now; try again shortly."
	}
	_, username := r.identity()
	reply, err := bridge.RunSlash(ctx, text, username, r.cfg.SlashTimeout)
	if err != nil {
		switch {
		case errors.Is(err, rpc.ErrUnknownCommand):
			return fmt.Sprintf("Unsupported slash command %s", firstWord(text))
		case errors.Is(err, rpc.ErrInteractiveOnly):
			return fmt.Sprintf("%s only works in the agent's own terminal.", firstWord(text))
		case errors.Is(err, rpc.ErrInventoryUnavailable):
			return "Slash commands are unavailable until the agent reports its command list."
		case errors.Is(err, rpc.ErrTimeout):
			return fmt.Sprintf("%s timed out.", firstWord(text))
		default:
			r.logger.Error("slash_error", "command", firstWord(text), "error", err)
			return fmt.Sprintf("%s failed.", firstWord(text))
		}
	}
	return reply
}

func (r *Runtime) statusReply() string {
	var b strings.Builder
	if lease, ok := leader.Current(r.paths.Lease); ok {
		role := "follower"
		if lease.Nonce == r.leaderState.Nonce {
			role = "leader (this process)"
		}
		fmt.Fprintf(&b, "Lease: pid %d on %s, %s\n", lease.PID, lease.Hostname, role)
	} else {
		b.WriteString("Lease: none\n")
	}
	fmt.Fprintf(&b, "Offset: %d\n", r.state.state.Offset)
	fmt.Fprintf(&b, "Queues: %d inbound, %d outbound\n", r.inbound.Len(), r.outbound.Len())
	fmt.Fprintf(&b, "Jobs: %d background pending\n", r.jobs.PendingBackground())
	if r.state.state.ConsecutiveFailures > 0 {
		fmt.Fprintf(&b, "Poll failures: %d consecutive\n", r.state.state.ConsecutiveFailures)
	}
	if !r.state.state.LastCheckAt.IsZero() {
		fmt.Fprintf(&b, "Last check: %s (%s, %s)\n",
			r.state.state.LastCheckAt.Format(time.RFC3339),
			r.state.state.LastCheckSource, r.state.state.LastCheckOutcome)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (r *Runtime) cancelReply(ctx context.Context, text string) string {
	parts := strings.Fields(text)
	if len(parts) < 2 {
		return "Usage: /cancel <job-id>"
	}
	id := parts[1]
	job, err := r.jobs.Cancel(ctx, id)
	if err != nil {
		return fmt.Sprintf("Can't cancel %s: %v", id, err)
	}
	return fmt.Sprintf("🛑 Job %s cancelled.", job.ID)
}

func (r *Runtime) ttsReply(ctx context.Context, text string) string {
	if r.speaker == nil {
		return "TTS is not configured; set tts.provider in the config."
	}
	payload := strings.TrimSpace(strings.TrimPrefix(text, "/tts"))
	if payload == "" {
		return "Usage: /tts <text>"
	}
	audioPath, err := r.speaker.Speak(ctx, payload)
	if err != nil {
		r.logger.Warn("tts_error", "error", err)
		return fmt.Sprintf("TTS failed: %v", err)
	}
	return fmt.Sprintf("🔊 Speech saved to %s", audioPath)
}

func firstWord(text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return text
	}
	return fields[0]
}
