// Package tgui holds small helpers for Telegram HTML messages: escaping,
// inline formatting and rune-safe truncation.
package tgui
