package main

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/lyzr/meshcore/callctx"
	"github.com/lyzr/meshcore/continuation"
	"github.com/lyzr/meshcore/meshactor"
	"github.com/lyzr/meshcore/mesherr"
)

// ClientGatewayBinding mirrors the gateway's delivery worker binding.
const ClientGatewayBinding = "ClientGateway"

const (
	docContentKey     = "doc:content"
	docSubscribersKey = "doc:subscribers"
)

// Document is a collaboratively edited document: clients subscribe, anyone
// authorized updates, and every update fans out to subscribers as a fresh
// chain so recipients see the document as the origin rather than the
// updating client.
type Document struct {
	meshactor.StatefulActor
}

// OnBeforeCall stamps the handling document into the propagated state so
// downstream hops can tell which instance served them.
func (d *Document) OnBeforeCall(ctx context.Context, cc *callctx.CallContext) error {
	instance, err := d.Lmz().InstanceName(ctx)
	if err != nil {
		return err
	}
	cc.State["document"] = instance
	return nil
}

// Subscribe registers a client for update broadcasts.
func (d *Document) Subscribe(ctx context.Context, clientID string) (bool, error) {
	if clientID == "" {
		return false, mesherr.New(mesherr.KindNotCallable, "subscriber id must not be empty")
	}
	subs, err := d.subscribers(ctx)
	if err != nil {
		return false, err
	}
	for _, s := range subs {
		if s == clientID {
			return true, nil
		}
	}
	subs = append(subs, clientID)
	return true, d.saveSubscribers(ctx, subs)
}

// Unsubscribe removes a client from the broadcast list.
func (d *Document) Unsubscribe(ctx context.Context, clientID string) (bool, error) {
	subs, err := d.subscribers(ctx)
	if err != nil {
		return false, err
	}
	kept := subs[:0]
	removed := false
	for _, s := range subs {
		if s == clientID {
			removed = true
			continue
		}
		kept = append(kept, s)
	}
	if removed {
		return true, d.saveSubscribers(ctx, kept)
	}
	return false, nil
}

// Update replaces the content and broadcasts it to every subscriber.
func (d *Document) Update(ctx context.Context, content string) (int, error) {
	lmz := d.Lmz()
	if err := lmz.MutateState(ctx, "last_update_len", len(content)); err != nil {
		return 0, err
	}
	if err := d.storage().Put(ctx, docContentKey, content); err != nil {
		return 0, err
	}

	subs, err := d.subscribers(ctx)
	if err != nil {
		return 0, err
	}

	instance, err := lmz.InstanceName(ctx)
	if err != nil {
		return 0, err
	}

	for _, clientID := range subs {
		payload := map[string]interface{}{
			"type":     "content_update",
			"document": instance,
			"content":  content,
		}
		chain := lmz.Ctn().Get("DeliverToClient").Apply(clientID, payload).OperationChain()
		// Fresh chain: subscribers see the document as origin, not the
		// updating client, and no origin auth travels with the broadcast.
		if _, err := lmz.Call(ctx, ClientGatewayBinding, "", chain, continuation.CallOptions{NewChain: true}); err != nil {
			return 0, err
		}
	}
	return len(subs), nil
}

// GetContent returns the current content.
func (d *Document) GetContent(ctx context.Context) (string, error) {
	content, _, err := d.storage().Get(ctx, docContentKey)
	return content, err
}

// SpellCheckAndUpdate runs the content through the spell checker and, when
// the worker replies, applies the corrected text — the result arrives into
// HandleCorrected long after this handler returned.
func (d *Document) SpellCheckAndUpdate(ctx context.Context, content string, timeoutMs int64) (string, error) {
	chain := d.Lmz().Ctn().Get("Correct").Apply(content).OperationChain()
	handler := d.Lmz().Ctn().Get("HandleCorrected").Apply(d.Lmz().Ctn().Result()).OperationChain()
	return d.Lmz().Call(ctx, "SpellCheck", "", chain, continuation.CallOptions{
		ContinuationChain: handler,
		TimeoutMs:         timeoutMs,
	})
}

// HandleCorrected receives the spell checker's result (or a timeout value).
func (d *Document) HandleCorrected(ctx context.Context, result interface{}) error {
	if err, ok := result.(error); ok {
		// Timeout or worker failure: keep the uncorrected content.
		if log := d.Deps().Log; log != nil {
			log.Warn("spell check did not complete, keeping content", "error", err)
		}
		return nil
	}
	corrected, ok := result.(string)
	if !ok {
		return mesherr.New(mesherr.KindSerialization, "unexpected correction result type %T", result)
	}
	_, err := d.Update(ctx, corrected)
	return err
}

func (d *Document) storage() meshactor.KV {
	return d.Deps().Storage
}

func (d *Document) subscribers(ctx context.Context) ([]string, error) {
	raw, ok, err := d.storage().Get(ctx, docSubscribersKey)
	if err != nil || !ok {
		return nil, err
	}
	var subs []string
	if err := json.Unmarshal([]byte(raw), &subs); err != nil {
		return nil, mesherr.New(mesherr.KindSerialization, "decode subscriber list: %v", err)
	}
	return subs, nil
}

func (d *Document) saveSubscribers(ctx context.Context, subs []string) error {
	b, err := json.Marshal(subs)
	if err != nil {
		return mesherr.New(mesherr.KindSerialization, "encode subscriber list: %v", err)
	}
	return d.storage().Put(ctx, docSubscribersKey, string(b))
}

// Dictionary is the pluggable service behind the spell checker.
type Dictionary struct {
	corrections map[string]string
}

// NewDictionary seeds the common typo table.
func NewDictionary() *Dictionary {
	return &Dictionary{corrections: map[string]string{
		"teh":     "the",
		"recieve": "receive",
		"adress":  "address",
		"wierd":   "weird",
	}}
}

// Correct returns the corrected word, or the input unchanged.
func (d *Dictionary) Correct(word string) string {
	if fixed, ok := d.corrections[strings.ToLower(word)]; ok {
		return fixed
	}
	return word
}

// SpellCheck is the stateless correction worker.
type SpellCheck struct {
	meshactor.StatelessWorker
}

// Check corrects a single word.
func (s *SpellCheck) Check(word string) (string, error) {
	dict, err := s.dictionary()
	if err != nil {
		return "", err
	}
	return dict.Correct(word), nil
}

// Correct corrects every word of a text.
func (s *SpellCheck) Correct(text string) (string, error) {
	dict, err := s.dictionary()
	if err != nil {
		return "", err
	}
	words := strings.Fields(text)
	for i, w := range words {
		words[i] = dict.Correct(w)
	}
	return strings.Join(words, " "), nil
}

func (s *SpellCheck) dictionary() (*Dictionary, error) {
	svc, err := s.Svc().Get("dictionary")
	if err != nil {
		return nil, err
	}
	dict, ok := svc.(*Dictionary)
	if !ok {
		return nil, mesherr.New(mesherr.KindServiceNotFound, "service %q is not a dictionary", "dictionary")
	}
	return dict, nil
}
