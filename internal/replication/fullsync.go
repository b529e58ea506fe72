package replication

import (
	"encoding/json"
	"io"

	"github.com/cuemby/solidb/internal/engine"
	"github.com/cuemby/solidb/internal/value"
)

const fullSyncBatch = 100

// sendFullSync streams every user database, collection, and document
// to a bootstrapping peer, then reports our current sequence so the
// receiver can checkpoint it. Per-document errors are skipped rather
// than aborting the bootstrap.
func (s *Service) sendFullSync(w io.Writer) error {
	dbNames := s.eng.ListDatabases()

	totalCollections := 0
	totalDocuments := 0
	type collRef struct {
		db   *engine.Database
		name string
	}
	var colls []collRef
	for _, dbName := range dbNames {
		if dbName == engine.SystemDatabase {
			continue
		}
		db, ok := s.eng.Database(dbName)
		if !ok {
			continue
		}
		for _, collName := range db.CollectionNames() {
			coll, ok := db.Collection(collName)
			if !ok {
				continue
			}
			totalCollections++
			totalDocuments += int(coll.Store().Count())
			colls = append(colls, collRef{db: db, name: collName})
		}
	}

	if err := WriteMessage(w, Message{
		Type:             MsgFullSyncStart,
		FromNode:         s.NodeID(),
		TotalDatabases:   len(dbNames) - 1,
		TotalCollections: totalCollections,
		TotalDocuments:   totalDocuments,
		CurrentSequence:  s.replLog.CurrentSequence(),
	}); err != nil {
		return err
	}

	sentDocs := 0
	for _, dbName := range dbNames {
		if dbName == engine.SystemDatabase {
			continue
		}
		if err := WriteMessage(w, Message{Type: MsgFullSyncDatabase, Name: dbName}); err != nil {
			return err
		}
	}

	for _, ref := range colls {
		if err := WriteMessage(w, Message{Type: MsgFullSyncCollection, Database: ref.db.Name(), Name: ref.name}); err != nil {
			return err
		}
		coll, ok := ref.db.Collection(ref.name)
		if !ok {
			continue
		}
		docs, err := coll.Store().All()
		if err != nil {
			s.logger.Warn().Err(err).Str("collection", ref.db.Name()+"/"+ref.name).Msg("full sync scan failed, skipping collection")
			continue
		}
		for start := 0; start < len(docs); start += fullSyncBatch {
			end := start + fullSyncBatch
			if end > len(docs) {
				end = len(docs)
			}
			batch := make([]json.RawMessage, 0, end-start)
			for _, doc := range docs[start:end] {
				raw, merr := json.Marshal(doc.ToValue())
				if merr != nil {
					continue
				}
				batch = append(batch, raw)
			}
			if err := WriteMessage(w, Message{
				Type:       MsgFullSyncDocuments,
				Database:   ref.db.Name(),
				Collection: ref.name,
				Documents:  batch,
			}); err != nil {
				return err
			}
			sentDocs += len(batch)
			if err := WriteMessage(w, Message{
				Type:     MsgFullSyncProgress,
				FromNode: s.NodeID(),
				Phase:    "documents",
				Current:  sentDocs,
				Total:    totalDocuments,
			}); err != nil {
				return err
			}
		}
	}

	return WriteMessage(w, Message{
		Type:            MsgFullSyncComplete,
		FromNode:        s.NodeID(),
		CurrentSequence: s.replLog.CurrentSequence(),
	})
}

// receiveFullSyncDocuments upserts one streamed document batch,
// continuing past individual bad documents.
func (s *Service) receiveFullSyncDocuments(msg Message) {
	db, err := s.eng.EnsureDatabase(msg.Database)
	if err != nil {
		s.logger.Error().Err(err).Str("database", msg.Database).Msg("full sync database failed")
		return
	}
	coll, err := db.EnsureCollection(msg.Collection)
	if err != nil {
		s.logger.Error().Err(err).Str("collection", msg.Collection).Msg("full sync collection failed")
		return
	}
	pairs := make(map[string]map[string]value.Value, len(msg.Documents))
	for _, raw := range msg.Documents {
		data, derr := decodeDocumentPayload(raw)
		if derr != nil {
			s.logger.Warn().Err(derr).Msg("skipping undecodable full sync document")
			continue
		}
		keyVal, ok := data["_key"]
		if !ok || keyVal.Kind != value.KindString || keyVal.Str == "" {
			continue
		}
		pairs[keyVal.Str] = data
	}
	if len(pairs) == 0 {
		return
	}
	if _, err := coll.Store().UpsertBatch(pairs); err != nil {
		s.logger.Error().Err(err).Msg("full sync upsert failed")
	}
}
