package mailer

import (
	"context"
	"errors"
	"net/smtp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSelectsLogMailerWithoutHost(t *testing.T) {
	m := New(Config{}, nil)
	_, ok := m.(*LogMailer)
	assert.True(t, ok)
	assert.NoError(t, m.Send(context.Background(), Message{To: "a@example.com", Subject: "hi"}))
}

func TestSMTPMailerComposesMessage(t *testing.T) {
	m := NewSMTPMailer(Config{Host: "smtp.example.com", Username: "u", Password: "p", Sender: "office@school.lk"}, nil)
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	m.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		require.NotNil(t, a)
		return nil
	}

	err := m.Send(context.Background(), Message{To: "student@example.com", Subject: "Plan approved", Body: "Hello"})
	require.NoError(t, err)
	assert.Equal(t, "smtp.example.com:587", gotAddr)
	assert.Equal(t, "office@school.lk", gotFrom)
	assert.Equal(t, []string{"student@example.com"}, gotTo)
	assert.Contains(t, string(gotMsg), "Subject: Plan approved\r\n")
	assert.Contains(t, string(gotMsg), "\r\n\r\nHello")
}

func TestSMTPMailerPropagatesFailures(t *testing.T) {
	m := NewSMTPMailer(Config{Host: "smtp.example.com", Port: 25}, nil)
	m.send = func(string, smtp.Auth, string, []string, []byte) error { return errors.New("relay down") }

	err := m.Send(context.Background(), Message{To: "student@example.com"})
	assert.ErrorContains(t, err, "relay down")
	assert.Error(t, m.Send(context.Background(), Message{}))
}
