package session

import "testing"

func TestParseSessionID(t *testing.T) {
	tests := []struct {
		key    string
		wantID int
		wantOK bool
	}{
		{"chats/session1.json", 1, true},
		{"chats/session42.json", 42, true},
		{"session7.json", 7, true},
		{"chats/session0.json", 0, false},
		{"chats/session-3.json", 0, false},
		{"chats/sessionabc.json", 0, false},
		{"chats/session.json", 0, false},
		{"chats/session1.txt", 0, false},
		{"", 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			id, ok := parseSessionID(tt.key)
			if ok != tt.wantOK || id != tt.wantID {
				t.Errorf("parseSessionID(%q) = (%d, %v), want (%d, %v)",
					tt.key, id, ok, tt.wantID, tt.wantOK)
			}
		})
	}
}
