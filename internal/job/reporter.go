package job

import "log/slog"

// Reporter receives per-table progress events.
type Reporter interface {
	TableStarted(op Op, table string)
	TableSucceeded(r TableResult)
	TableFailed(r TableResult)
}

type LogReporter struct {
	logger *slog.Logger
}

func NewLogReporter(logger *slog.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

func (l *LogReporter) TableStarted(op Op, table string) {
	l.logger.Info("table started", "op", op, "table", table)
}

func (l *LogReporter) TableSucceeded(r TableResult) {
	l.logger.Info("table completed",
		"op", r.Op,
		"table", r.Table,
		"rows", r.Rows,
		"chunks", r.Chunks,
		"duration", r.Duration,
	)
}

func (l *LogReporter) TableFailed(r TableResult) {
	l.logger.Error("table failed", "op", r.Op, "table", r.Table, "rows", r.Rows, "error", r.Err)
}

type multi []Reporter

// Multi fans events out to every reporter in order.
func Multi(reporters ...Reporter) Reporter {
	return multi(reporters)
}

func (m multi) TableStarted(op Op, table string) {
	for _, r := range m {
		r.TableStarted(op, table)
	}
}

func (m multi) TableSucceeded(res TableResult) {
	for _, r := range m {
		r.TableSucceeded(res)
	}
}

func (m multi) TableFailed(res TableResult) {
	for _, r := range m {
		r.TableFailed(res)
	}
}
