// Package mq implements the message_queue capability: publish one message to
// a RabbitMQ exchange and return its message ID.
package mq
