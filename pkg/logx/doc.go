// Package logx is issuewatch's structured logging, a thin layer over zerolog.
//
// Console output is human readable, file output is JSON, and warnings can be
// forwarded to a Telegram chat. Field helpers carry the keys the daemon logs
// everywhere (component, issue, schedule, watermark) so every sink sees the
// same names.
package logx
