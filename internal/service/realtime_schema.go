package service

import (
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/noah-isme/gema-realtime/internal/dto"
)

type envelopeSchemaRegistry struct {
	once    sync.Once
	initErr error
	request *jsonschema.Schema
	actions map[dto.Action]*jsonschema.Schema
}

var envelopeSchemas envelopeSchemaRegistry

func initEnvelopeSchemas() error {
	envelopeSchemas.once.Do(func() {
		request, err := jsonschema.CompileString("realtime_envelope", envelopeSchema)
		if err != nil {
			envelopeSchemas.initErr = err
			return
		}
		envelopeSchemas.request = request

		actions := map[dto.Action]string{
			dto.ActionSendMessage:  sendMessageSchema,
			dto.ActionJoinChannel:  channelTargetSchema,
			dto.ActionLeaveChannel: channelTargetSchema,
			dto.ActionTyping:       typingSchema,
			dto.ActionMarkAsRead:   channelTargetSchema,
			dto.ActionGetMessages:  getMessagesSchema,
		}

		envelopeSchemas.actions = make(map[dto.Action]*jsonschema.Schema, len(actions))
		for action, schema := range actions {
			compiled, err := jsonschema.CompileString("realtime_action_"+string(action), schema)
			if err != nil {
				envelopeSchemas.initErr = err
				return
			}
			envelopeSchemas.actions[action] = compiled
		}
	})
	return envelopeSchemas.initErr
}

// DecodeEnvelope validates a raw client frame against the envelope contract and decodes it.
func DecodeEnvelope(raw []byte) (dto.InboundEnvelope, error) {
	if err := initEnvelopeSchemas(); err != nil {
		return dto.InboundEnvelope{}, err
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return dto.InboundEnvelope{}, validationError("malformed frame: %v", err)
	}
	if err := envelopeSchemas.request.Validate(payload); err != nil {
		return dto.InboundEnvelope{}, validationError("%v", err)
	}

	var envelope dto.InboundEnvelope
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return dto.InboundEnvelope{}, validationError("malformed frame: %v", err)
	}

	if schema := envelopeSchemas.actions[envelope.Action]; schema != nil {
		if err := schema.Validate(payload); err != nil {
			return envelope, validationError("%v", err)
		}
	}
	return envelope, nil
}

const envelopeSchema = `{
  "type": "object",
  "required": ["action"],
  "properties": {
    "action": { "type": "string", "minLength": 1 },
    "requestId": { "type": "string", "maxLength": 128 }
  },
  "additionalProperties": true
}`

const channelTargetSchema = `{
  "type": "object",
  "required": ["channelId"],
  "properties": {
    "channelId": { "type": "string", "minLength": 1, "maxLength": 64 }
  }
}`

const sendMessageSchema = `{
  "type": "object",
  "required": ["channelId"],
  "properties": {
    "channelId": { "type": "string", "minLength": 1, "maxLength": 64 },
    "content": { "type": "string", "maxLength": 8000 },
    "messageType": { "enum": ["text", "file", "image"] },
    "threadId": { "type": ["string", "null"], "maxLength": 64 },
    "attachments": {
      "type": "array",
      "maxItems": 10,
      "items": {
        "type": "object",
        "required": ["name", "url"],
        "properties": {
          "name": { "type": "string", "minLength": 1 },
          "url": { "type": "string", "minLength": 1 },
          "mimeType": { "type": "string" },
          "size": { "type": "integer", "minimum": 0 }
        }
      }
    }
  }
}`

const typingSchema = `{
  "type": "object",
  "required": ["channelId"],
  "properties": {
    "channelId": { "type": "string", "minLength": 1, "maxLength": 64 },
    "isTyping": { "type": "boolean" }
  }
}`

const getMessagesSchema = `{
  "type": "object",
  "required": ["channelId"],
  "properties": {
    "channelId": { "type": "string", "minLength": 1, "maxLength": 64 },
    "limit": { "type": "integer", "minimum": 1 },
    "cursor": { "type": "string" }
  }
}`
