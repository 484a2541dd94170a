// Package wsmessage implements the websocket capability: send one text frame
// and return the first reply.
package wsmessage
