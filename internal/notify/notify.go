package notify

import (
	"strings"

	"file-loader/internal/config"
	"file-loader/internal/logging"
)

// Notifier is the boundary contract for terminal-failure notifications. The
// engine calls it exactly once per terminal failure: file problems go to the
// source's recipients, internal errors to the operations channel. Transport
// (email, chat) is wired in by the embedding application.
type Notifier interface {
	// FileProblem announces a business-visible failure of one file: missing
	// header or columns, threshold exceeded, grain or audit failure, or a
	// duplicate file.
	FileProblem(src *config.SourceConfig, filename, kind, message string)

	// InternalError announces an operational failure: database unreachable
	// or an unhandled error in the engine.
	InternalError(filename string, err error)
}

// LogNotifier is the default transport-free notifier: it writes the
// notification, with its full recipient list, to the process log.
type LogNotifier struct {
	dataTeamEmail string
}

// NewLogNotifier builds the default notifier. The data-team address is
// always included in file-problem recipients.
func NewLogNotifier(dataTeamEmail string) *LogNotifier {
	return &LogNotifier{dataTeamEmail: dataTeamEmail}
}

// FileProblem logs the business notification with its recipients.
func (n *LogNotifier) FileProblem(src *config.SourceConfig, filename, kind, message string) {
	recipients := append(append([]string{}, src.Recipients...), n.dataTeamEmail)
	logging.Logf(logging.Warning, "NOTIFY [%s] file '%s' (source '%s') -> %s: %s",
		kind, filename, src.Name, strings.Join(recipients, ", "), message)
}

// InternalError logs the operational notification.
func (n *LogNotifier) InternalError(filename string, err error) {
	logging.Logf(logging.Error, "NOTIFY [internal] file '%s': %v", filename, err)
}
