package httpapi

import (
	"context"

	"go.uber.org/zap"

	"replidraw/internal/log"
	"replidraw/internal/protocol"
	"replidraw/internal/pubsub"
	"replidraw/internal/storage"
)

// pokeClients sends every client of doc that has been served an older version
// the pull response that would bring it to the current one, then advances the
// client's cursor. Clients that have never pulled are skipped: they have no
// cookie a poke could answer.
func (s *Server) pokeClients(ctx context.Context, doc string, version int64) {
	if s.publisher == nil {
		return
	}
	s.pokeMu.Lock()
	defer s.pokeMu.Unlock()

	cursors, err := s.store.ListClientCursors(ctx, doc)
	if err != nil {
		s.logger.Warn("list clients for poke failed", zap.String("doc_id", doc), zap.Error(err))
		return
	}
	for _, cursor := range cursors {
		if cursor.LastSeenVersion == nil || *cursor.LastSeenVersion >= version {
			continue
		}
		s.pokeClient(ctx, doc, cursor.ClientID, *cursor.LastSeenVersion)
	}
}

func (s *Server) pokeClient(ctx context.Context, doc, clientID string, since int64) {
	logger := log.ForSession(s.logger, doc, clientID)

	changes, err := s.store.GetChangesSince(ctx, doc, clientID, since)
	if err != nil {
		logger.Warn("compute poke failed", zap.Int64("since", since), zap.Error(err))
		return
	}
	poke := protocol.SuperPoke{
		LastCookie: storage.FormatCookie(since),
		Response: &protocol.PullResponse{
			Cookie:         storage.FormatCookie(changes.Version),
			LastMutationID: changes.LastMutationID,
			Patch:          changes.Patch,
		},
	}
	data, err := pubsub.Marshal(poke)
	if err != nil {
		logger.Warn("encode poke failed", zap.Error(err))
		return
	}
	topic := pubsub.Topic(s.topicPrefix, doc, clientID)
	if err := s.publisher.Publish(ctx, topic, protocol.SuperPokeEvent, data); err != nil {
		logger.Warn("publish poke failed", zap.String("topic", topic), zap.Error(err))
		return
	}
	if err := s.store.UpdateClientCursor(ctx, doc, clientID, changes.Version); err != nil {
		logger.Warn("advance cursor after poke failed", zap.Error(err))
		return
	}
	logger.Debug("poked client",
		zap.Int64("since", since),
		zap.Int64("version", changes.Version),
		zap.Int("ops", len(changes.Patch)))
}
