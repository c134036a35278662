package ui

import "github.com/Makepad-fr/tada/internal/notice"

// Notify prints n with the helper matching its level.
func Notify(n notice.Notice) {
	switch n.Level {
	case notice.Success:
		OK(n.Text)
	case notice.Warning:
		Warn(n.Text)
	case notice.Error:
		Fail(n.Text)
	default:
		Info(n.Text)
	}
}

// Notifier prints every notice as it arrives.
var Notifier notice.Notifier = notice.Func(Notify)
