package sink

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/gitcrawl/internal/crawler"
	"github.com/JakeFAU/gitcrawl/internal/queue"
)

func TestDecodeDocument(t *testing.T) {
	t.Parallel()

	entity := crawler.Destination{Topic: "gitcrawl-user", Collection: "users"}
	relation := crawler.Destination{Topic: "gitcrawl-forks", Collection: "forks", Relation: true}

	tests := []struct {
		name    string
		dest    crawler.Destination
		msg     queue.Message
		wantKey string
		wantErr bool
	}{
		{name: "entity id", dest: entity, msg: queue.Message{Value: []byte(`{"id":42,"login":"x"}`)}, wantKey: "42"},
		{name: "entity falls back to message key", dest: entity, msg: queue.Message{Key: []byte("9"), Value: []byte(`{"login":"x"}`)}, wantKey: "9"},
		{name: "entity without key", dest: entity, msg: queue.Message{Value: []byte(`{"login":"x"}`)}, wantErr: true},
		{name: "invalid json", dest: entity, msg: queue.Message{Value: []byte(`nope`)}, wantErr: true},
		{name: "relation page", dest: relation, msg: queue.Message{Value: []byte(`{"relation":"forks","owner_type":"repo","owner_id":3,"page":4,"ids":[1]}`)}, wantKey: "3:4"},
		{name: "relation keyed by owner uses page from body", dest: relation, msg: queue.Message{Key: []byte("3"), Value: []byte(`{"relation":"forks","owner_type":"repo","owner_id":3,"page":2,"ids":[7]}`)}, wantKey: "3:2"},
		{name: "relation without owner", dest: relation, msg: queue.Message{Value: []byte(`{"relation":"forks","page":1}`)}, wantErr: true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			doc, err := decodeDocument(tc.dest, tc.msg)
			if tc.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.wantKey, doc.Key)
			require.JSONEq(t, string(tc.msg.Value), string(doc.Body))
		})
	}
}
