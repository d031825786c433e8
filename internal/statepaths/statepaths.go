// Package statepaths resolves every persisted worker file from the viper
// configuration. All files live under file_state_dir (default ~/.morphlink)
// so a single directory holds the whole durable state of one bot.
package statepaths

import (
	"path/filepath"

	"github.com/quailyquaily/morphlink/internal/pathutil"
	"github.com/spf13/viper"
)

const workerDirName = "worker"

func FileStateDir() string {
	return pathutil.ResolveStateDir(viper.GetString("file_state_dir"))
}

func WorkerDir() string {
	return pathutil.ResolveStateChildDir(
		viper.GetString("file_state_dir"),
		viper.GetString("worker.dir_name"),
		workerDirName,
	)
}

func LeasePath() string {
	return filepath.Join(WorkerDir(), "lease.json")
}

func LeaseLockPath() string {
	return filepath.Join(WorkerDir(), "lease.lck")
}

func CheckTriggerPath() string {
	return filepath.Join(WorkerDir(), "check_trigger.json")
}

func InboundQueuePath() string {
	return filepath.Join(WorkerDir(), "inbound.json")
}

func OutboundQueuePath() string {
	return filepath.Join(WorkerDir(), "outbound.json")
}

func JobStorePath() string {
	return filepath.Join(WorkerDir(), "jobs.json")
}

func RuntimeStatePath() string {
	return filepath.Join(WorkerDir(), "state.json")
}

func SessionMapPath() string {
	return filepath.Join(WorkerDir(), "sessions.json")
}

func SessionsDir() string {
	return pathutil.ResolveStateChildDir(
		viper.GetString("file_state_dir"),
		viper.GetString("worker.sessions_dir_name"),
		"sessions",
	)
}

func EventLogPath() string {
	return filepath.Join(WorkerDir(), "events.jsonl")
}

func OperatorConfigPath() string {
	return filepath.Join(WorkerDir(), "operators.yaml")
}
