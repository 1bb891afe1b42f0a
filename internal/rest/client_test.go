package rest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vvinit594/Flowwdeck/internal/auth"
)

func TestConversations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat/conversations" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("expected bearer header, got %q", got)
		}
		w.Write([]byte(`{"success":true,"data":{"conversations":[
			{"id":"c-1","otherUser":{"id":7,"full_name":"Ada"},"unreadCount":2,
			 "lastMessage":{"id":9,"conversationId":"c-1","senderId":7,"content":"hey","createdAt":"2026-08-01T10:00:00Z"}}
		]}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, auth.StaticProvider("tok"))
	convs, err := c.Conversations(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(convs) != 1 {
		t.Fatalf("expected 1 conversation, got %d", len(convs))
	}
	if convs[0].ID != "c-1" || convs[0].OtherUser.ID != "7" || convs[0].UnreadCount != 2 {
		t.Errorf("unexpected conversation: %+v", convs[0])
	}
	if convs[0].LastMessage == nil || convs[0].LastMessage.ID != "9" {
		t.Errorf("unexpected last message: %+v", convs[0].LastMessage)
	}
}

func TestCreateConversation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		w.Write([]byte(`{"success":true,"data":{
			"conversation":{"id":"c-42","unreadCount":0},
			"otherUser":{"id":"u-2","full_name":"Grace","user_type":"client"}
		}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, auth.StaticProvider("tok"))
	created, err := c.CreateConversation(context.Background(), "u-2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.Conversation.ID != "c-42" {
		t.Errorf("expected conversation c-42, got %q", created.Conversation.ID)
	}
	if created.OtherUser.FullName != "Grace" {
		t.Errorf("expected other user Grace, got %q", created.OtherUser.FullName)
	}
}

func TestMessages_BeforeCursorAndLimit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat/conversations/c-1/messages" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.URL.Query().Get("before"); got != "m-10" {
			t.Errorf("expected before=m-10, got %q", got)
		}
		if got := r.URL.Query().Get("limit"); got != "25" {
			t.Errorf("expected limit=25, got %q", got)
		}
		w.Write([]byte(`{"success":true,"data":{"messages":[
			{"id":"m-8","conversationId":"c-1","senderId":"u-1","content":"a","createdAt":"2026-08-01T09:58:00Z"},
			{"id":"m-9","conversationId":"c-1","senderId":"u-2","content":"b","createdAt":"2026-08-01T09:59:00Z"}
		]}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, auth.StaticProvider("tok"))
	msgs, err := c.Messages(context.Background(), "c-1", "m-10", 25)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
	if msgs[0].ID != "m-8" || msgs[1].ID != "m-9" {
		t.Errorf("unexpected page order: %q, %q", msgs[0].ID, msgs[1].ID)
	}
}

func TestBackendFailureSurfacesMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"success":false,"message":"not a participant"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, auth.StaticProvider("tok"))
	_, err := c.Messages(context.Background(), "c-1", "", 0)
	if err == nil {
		t.Fatal("expected an error, got nil")
	}
}

func TestSearchUsers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("search"); got != "ada" {
			t.Errorf("expected search=ada, got %q", got)
		}
		w.Write([]byte(`{"success":true,"data":{"users":[{"id":1,"full_name":"Ada","user_type":"freelancer"}]}}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, auth.StaticProvider("tok"))
	users, err := c.SearchUsers(context.Background(), "ada")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(users) != 1 || users[0].ID != "1" || users[0].FullName != "Ada" {
		t.Errorf("unexpected users: %+v", users)
	}
}
