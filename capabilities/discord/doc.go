// Package discord implements the discord_message capability over the Discord
// REST API.
package discord
