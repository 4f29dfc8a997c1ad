// Package publisher renders a refresh table and keeps one Telegram message
// per (channel, interval) up to date. It implements refresh.Publisher.
package publisher
