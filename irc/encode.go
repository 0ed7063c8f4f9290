package irc

import "strings"

// Outbound commands are fixed templates; these builders are the only write
// path to the socket.

// EncodeCapReq requests the tag/command/membership capabilities the decoder
// depends on.
func EncodeCapReq() string {
	return "CAP REQ :twitch.tv/tags twitch.tv/commands twitch.tv/membership"
}

// EncodePass builds the authentication command.
func EncodePass(secret string) string { return "PASS " + secret }

// EncodeNick builds the nickname command.
func EncodeNick(nick string) string { return "NICK " + NormalizeLogin(nick) }

// EncodeJoin builds the channel join command.
func EncodeJoin(channel string) string { return "JOIN #" + NormalizeChannel(channel) }

// EncodePrivmsg builds an outgoing chat message command.
func EncodePrivmsg(channel, text string) string {
	return "PRIVMSG #" + NormalizeChannel(channel) + " :" + text
}

// EncodePong answers a PING line by echoing it with the command replaced.
func EncodePong(pingLine string) string {
	return strings.Replace(pingLine, "PING", "PONG", 1)
}
