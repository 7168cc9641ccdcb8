// Package chat contains the live Twitch chat recorder.
//
// Recorder connects to Twitch IRC for TWITCH_CHANNEL while a stream is being
// captured and persists messages into the chat_messages table for
// TWITCH_VOD_ID, with both absolute and relative (to TWITCH_VOD_START)
// timestamps. Those rows are the chat log the highlight analysis reads.
// Already published VODs can instead be backfilled from the replay API with
// vod.ChatImporter.
//
// Credentials: the IRC client requires a bot username and an OAuth token with
// the chat:read scope.
package chat
