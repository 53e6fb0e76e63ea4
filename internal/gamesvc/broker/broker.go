package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/avvvet/ttt-services/internal/comm"
	"github.com/avvvet/ttt-services/internal/gamesvc/service"
	"github.com/nats-io/nats.go"
	log "github.com/sirupsen/logrus"
)

// Broker connects the game service to the NATS bus: it publishes game
// lifecycle events and answers active-games requests from other services.
type Broker struct {
	Conn        *nats.Conn
	GameService *service.GameService
	InstanceId  string
	now         func() time.Time
}

func NewBroker(nc *nats.Conn, gameService *service.GameService, instanceId string) *Broker {
	return &Broker{
		Conn:        nc,
		GameService: gameService,
		InstanceId:  instanceId,
		now:         time.Now,
	}
}

// PublishGameEvent sends one lifecycle event on comm.TopicGameEvents.
func (b *Broker) PublishGameEvent(event string, gameID, userID int64, payload interface{}) error {
	data, err := b.encodeEvent(event, gameID, userID, payload)
	if err != nil {
		log.Errorf("unable to marshal game event %s for game %d: %s", event, gameID, err)
		return err
	}
	return b.Publish(comm.TopicGameEvents, data)
}

func (b *Broker) encodeEvent(event string, gameID, userID int64, payload interface{}) ([]byte, error) {
	return json.Marshal(comm.GameEvent{
		Event:    event,
		GameID:   gameID,
		UserID:   userID,
		Payload:  payload,
		Instance: b.InstanceId,
		At:       b.now().UTC(),
	})
}

// SubscribeActiveGames answers requests on topic with the list of games that
// are not finished yet.
func (b *Broker) SubscribeActiveGames(topic string) (*nats.Subscription, error) {
	sub, err := b.Conn.Subscribe(topic, b.handleActiveGames)
	if err != nil {
		return nil, err
	}

	return sub, nil
}

func (b *Broker) handleActiveGames(msg *nats.Msg) {
	if msg.Reply == "" {
		log.Warnf("active games request on %s without reply subject", msg.Subject)
		return
	}

	data, err := b.activeGames()
	if err != nil {
		log.Errorf("Error [GameService.ActiveGames] %s", err)
		data, _ = json.Marshal(map[string]string{"error": "unable to list games"})
	}

	if err := msg.Respond(data); err != nil {
		log.Errorf("Error responding on %s: %s", msg.Reply, err)
	}
}

func (b *Broker) activeGames() ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	games, err := b.GameService.ActiveGames(ctx)
	if err != nil {
		return nil, err
	}
	return json.Marshal(games)
}

func (b *Broker) Publish(topic string, payload []byte) error {
	err := b.Conn.Publish(topic, payload)
	if err != nil {
		log.Errorf("Error publishing to topic %s: %s", topic, err)
		return err
	}

	return nil
}
