// Package notifications delivers operational alerts over a configured
// webhook: permanent stage failures, stalled pipelines, and interview
// completion milestones. With no webhook configured it degrades to a noop.
package notifications
