package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"tawk/internal/logger"
	"tawk/internal/models"
)

const (
	BATCH_SIZE   = 100 // number of users to create in parallel
	ackTimeout   = 5 * time.Second
	testPassword = "testpass123"
)

var (
	numUsers       = flag.Int("users", 1000, "number of simulated users (paired into conversations)")
	messagesPerSec = flag.Int("rate", 1, "events per second per user")
	simulationTime = flag.Duration("duration", 60*time.Second, "how long to run the simulation")
	baseURL        = flag.String("url", "http://localhost:8080", "server base URL")
)

var log *zap.Logger

type User struct {
	ID       string
	Username string
}

func postJSON(path string, body interface{}, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(*baseURL+path, "application/json", bytes.NewReader(data))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return errors.Errorf("%s failed with status: %d", path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func registerUser(id int) (*User, error) {
	username := fmt.Sprintf("loadtest_user_%d_%d", id, time.Now().UnixNano())
	var u models.User
	err := postJSON("/api/auth/register", models.RegisterRequest{
		Username:  username,
		Password:  testPassword,
		FirstName: "Load",
		LastName:  strconv.Itoa(id),
		Avatar:    fmt.Sprintf("https://avatar.com/%d", id),
	}, &u)
	if err != nil {
		return nil, err
	}
	return &User{ID: u.ID, Username: u.Username}, nil
}

type OperationType int

const (
	WriteOperation OperationType = iota
	ReadOperation
)

type Stats struct {
	sync.Mutex
	totalRequests     int64
	successRequests   int64
	failedRequests    int64
	totalLatency      time.Duration
	maxLatency        time.Duration
	minLatency        time.Duration
	requestsPerSecond float64
	writeLatencies    []time.Duration
	readLatencies     []time.Duration
}

func (s *Stats) recordSuccess(latency time.Duration, opType OperationType) {
	s.Lock()
	defer s.Unlock()
	s.totalRequests++
	s.successRequests++
	s.totalLatency += latency
	if latency > s.maxLatency {
		s.maxLatency = latency
	}
	if s.minLatency == 0 || latency < s.minLatency {
		s.minLatency = latency
	}

	switch opType {
	case WriteOperation:
		s.writeLatencies = append(s.writeLatencies, latency)
	case ReadOperation:
		s.readLatencies = append(s.readLatencies, latency)
	}
}

func (s *Stats) recordError() {
	s.Lock()
	defer s.Unlock()
	s.totalRequests++
	s.failedRequests++
}

func (s *Stats) calculateStats(duration time.Duration) {
	s.Lock()
	defer s.Unlock()
	s.requestsPerSecond = float64(s.totalRequests) / duration.Seconds()
}

func p99(latencies []time.Duration) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	sorted := make([]time.Duration, len(latencies))
	copy(sorted, latencies)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(len(sorted)) * 0.99)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func (s *Stats) getP99WriteLatency() time.Duration {
	s.Lock()
	defer s.Unlock()
	return p99(s.writeLatencies)
}

func (s *Stats) getP99ReadLatency() time.Duration {
	s.Lock()
	defer s.Unlock()
	return p99(s.readLatencies)
}

// session is one simulated user's websocket. Requests are sent with an ack
// id and the session reads until the matching ack arrives, skipping pushes.
type session struct {
	user *User
	conn *websocket.Conn
	seq  int
}

func dial(user *User) (*session, error) {
	u, err := url.Parse(*baseURL)
	if err != nil {
		return nil, err
	}
	u.Scheme = strings.Replace(u.Scheme, "http", "ws", 1)
	u.Path = "/ws"
	u.RawQuery = url.Values{"user_id": {user.ID}}.Encode()

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", user.Username)
	}
	return &session{user: user, conn: conn}, nil
}

func (s *session) request(event string, data interface{}) (json.RawMessage, error) {
	s.seq++
	ack := strconv.Itoa(s.seq)
	if err := s.conn.WriteJSON(models.WebSocketMessage{Event: event, Payload: data, Ack: ack}); err != nil {
		return nil, err
	}

	s.conn.SetReadDeadline(time.Now().Add(ackTimeout))
	for {
		var frame struct {
			Event string          `json:"event"`
			Ack   string          `json:"ack"`
			Data  json.RawMessage `json:"data"`
		}
		if err := s.conn.ReadJSON(&frame); err != nil {
			return nil, err
		}
		if frame.Event != models.EventAck || frame.Ack != ack {
			continue
		}

		var reply struct {
			OK    bool            `json:"ok"`
			Data  json.RawMessage `json:"data"`
			Error string          `json:"error"`
		}
		if err := json.Unmarshal(frame.Data, &reply); err != nil {
			return nil, err
		}
		if !reply.OK {
			return nil, errors.Errorf("%s: %s", event, reply.Error)
		}
		return reply.Data, nil
	}
}

func (s *session) close() {
	s.conn.WriteJSON(models.WebSocketMessage{Event: models.EventEnd, Payload: models.UserPayload{UserID: s.user.ID}})
	s.conn.Close()
}

func simulateUser(user, partner *User, wg *sync.WaitGroup, stats *Stats) {
	defer wg.Done()

	sess, err := dial(user)
	if err != nil {
		stats.recordError()
		log.Warn("connect failed", zap.Error(err))
		return
	}
	defer sess.close()

	raw, err := sess.request(models.EventStartConversation, models.StartConversationPayload{From: user.ID, To: partner.ID})
	if err != nil {
		stats.recordError()
		log.Warn("start conversation failed", zap.String("user", user.Username), zap.Error(err))
		return
	}
	var conv models.Conversation
	if err := json.Unmarshal(raw, &conv); err != nil {
		stats.recordError()
		return
	}

	ticker := time.NewTicker(time.Second / time.Duration(*messagesPerSec))
	defer ticker.Stop()

	endTime := time.Now().Add(*simulationTime)
	for time.Now().Before(endTime) {
		<-ticker.C

		opType := ReadOperation
		var (
			event string
			data  interface{}
		)
		if rand.Float32() < 0.5 {
			opType = WriteOperation
			event = models.EventTextMessage
			data = models.TextMessagePayload{
				From:           user.ID,
				To:             partner.ID,
				ConversationID: conv.ID,
				Message:        fmt.Sprintf("Test message from %s at %s", user.Username, time.Now().Format(time.RFC3339)),
				Type:           string(models.MessageText),
			}
		} else {
			event = models.EventGetMessage
			data = models.ConversationPayload{ConversationID: conv.ID}
		}

		start := time.Now()
		_, err := sess.request(event, data)
		duration := time.Since(start)
		if err != nil {
			stats.recordError()
			log.Debug("request failed", zap.String("event", event), zap.Error(err))
			continue
		}
		stats.recordSuccess(duration, opType)
	}
}

func createUsersInParallel(start, end int, users []*User, wg *sync.WaitGroup, errChan chan<- error) {
	defer wg.Done()

	for i := start; i < end; i++ {
		user, err := registerUser(i)
		if err != nil {
			errChan <- errors.Wrapf(err, "register user %d", i)
			continue
		}
		users[i] = user
	}
}

func main() {
	flag.Parse()
	log = logger.New("info").Named("loadtest")
	defer log.Sync()

	if *numUsers < 2 || *messagesPerSec < 1 {
		log.Fatal("need at least 2 users and a rate of 1")
	}

	log.Info("starting load test",
		zap.Int("users", *numUsers),
		zap.Int("rate", *messagesPerSec),
		zap.Duration("duration", *simulationTime))
	log.Info("start the server with -loadtest so it uses a separate database")

	users := make([]*User, *numUsers)
	var wg sync.WaitGroup
	errChan := make(chan error, *numUsers)

	startTime := time.Now()
	for i := 0; i < *numUsers; i += BATCH_SIZE {
		end := i + BATCH_SIZE
		if end > *numUsers {
			end = *numUsers
		}
		wg.Add(1)
		go createUsersInParallel(i, end, users, &wg, errChan)
	}

	go func() {
		wg.Wait()
		close(errChan)
	}()

	errorCount := 0
	for err := range errChan {
		errorCount++
		if errorCount <= 10 {
			log.Warn("registration error", zap.Error(err))
		}
	}
	registrationDuration := time.Since(startTime)
	log.Info("user registration completed",
		zap.Duration("took", registrationDuration),
		zap.Float64("users_per_sec", float64(*numUsers)/registrationDuration.Seconds()),
		zap.Int("failed", errorCount))

	var registered []*User
	for _, u := range users {
		if u != nil {
			registered = append(registered, u)
		}
	}
	if len(registered) < *numUsers/2 {
		log.Fatal("too many registration failures, aborting load test", zap.Int("registered", len(registered)))
	}

	var loadTestWg sync.WaitGroup
	stats := &Stats{}
	start := time.Now()

	// Users are paired with their neighbour; both sides of a pair share one
	// conversation.
	for i := 0; i+1 < len(registered); i += 2 {
		a, b := registered[i], registered[i+1]
		loadTestWg.Add(2)
		go simulateUser(a, b, &loadTestWg, stats)
		go simulateUser(b, a, &loadTestWg, stats)
	}
	loadTestWg.Wait()
	duration := time.Since(start)

	stats.calculateStats(duration)

	var avg time.Duration
	if stats.successRequests > 0 {
		avg = stats.totalLatency / time.Duration(stats.successRequests)
	}
	log.Info("load test results",
		zap.Int64("total_requests", stats.totalRequests),
		zap.Int64("successful", stats.successRequests),
		zap.Int64("failed", stats.failedRequests),
		zap.Duration("avg_latency", avg),
		zap.Duration("min_latency", stats.minLatency),
		zap.Duration("max_latency", stats.maxLatency),
		zap.Duration("p99_write_latency", stats.getP99WriteLatency()),
		zap.Duration("p99_read_latency", stats.getP99ReadLatency()),
		zap.Float64("requests_per_sec", stats.requestsPerSecond),
		zap.Duration("total_duration", duration))
}
