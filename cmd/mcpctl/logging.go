// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package main

import (
	"encoding/json"
	"fmt"

	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

// newLogger logs to stderr, and to a JSON file as well when logFile is set.
func newLogger(debug bool, logFile string) (*mlog.Logger, error) {
	logger, err := mlog.NewLogger()
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	levels := []mlog.Level{mlog.LvlInfo, mlog.LvlWarn, mlog.LvlError}
	if debug {
		levels = []mlog.Level{mlog.LvlDebug, mlog.LvlInfo, mlog.LvlWarn, mlog.LvlError}
	}

	cfg := make(mlog.LoggerConfiguration)
	cfg["console"] = mlog.TargetCfg{
		Type:          "console",
		Levels:        levels,
		Format:        "plain",
		FormatOptions: json.RawMessage(`{"enable_color": false}`),
		Options:       json.RawMessage(`{"out": "stderr"}`),
		MaxQueueSize:  1000,
	}

	if logFile != "" {
		options, err := json.Marshal(map[string]any{"compress": false, "filename": logFile})
		if err != nil {
			return nil, err
		}
		cfg["file"] = mlog.TargetCfg{
			Type:         "file",
			Levels:       mlog.StdAll,
			Format:       "json",
			Options:      options,
			MaxQueueSize: 1000,
		}
	}

	if err := logger.ConfigureTargets(cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to configure logger: %w", err)
	}
	logger.RedirectStdLog(mlog.LvlStdLog)
	return logger, nil
}
