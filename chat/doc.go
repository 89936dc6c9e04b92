// Package chat sends the bot's chat replies over Twitch IRC.
//
// Incoming chat arrives through EventSub; IRC is used only to write. The IRC client is
// built lazily from the bot's cached credential and reused; outgoing lines are paced by
// a token bucket so the bot stays under Twitch's per-user message limits.
package chat
