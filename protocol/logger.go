// Copyright (c) 2023-present Mattermost, Inc. All Rights Reserved.
// See LICENSE.txt for license information.

package protocol

import (
	"fmt"

	"github.com/mark3labs/mcp-go/util"
	"github.com/mattermost/mattermost/server/public/shared/mlog"
)

// transportLogger routes mcp-go transport messages into mlog. The library logs at info
// for routine stream events, which are debug noise here.
type transportLogger struct {
	logger mlog.LoggerIFace
	url    string
}

func newTransportLogger(logger mlog.LoggerIFace, url string) util.Logger {
	return &transportLogger{logger: logger, url: url}
}

func (l *transportLogger) Infof(format string, v ...any) {
	if l.logger == nil {
		return
	}
	l.logger.Debug("MCP transport: "+fmt.Sprintf(format, v...), mlog.String("url", l.url))
}

func (l *transportLogger) Errorf(format string, v ...any) {
	if l.logger == nil {
		return
	}
	l.logger.Warn("MCP transport: "+fmt.Sprintf(format, v...), mlog.String("url", l.url))
}
