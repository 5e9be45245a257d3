package broker

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"net"

	"github.com/tranqmq/tranq/internal/discovery"
	"github.com/tranqmq/tranq/internal/logging"
	"github.com/tranqmq/tranq/internal/mqlog"
	"github.com/tranqmq/tranq/internal/protocol"
	"github.com/tranqmq/tranq/internal/transaction"
)

// Server exposes the transaction endpoints over TCP: prepare a half
// message, end (commit/rollback) a transaction, and register a producer
// group's back-check callback address.
type Server struct {
	addr     string
	service  *transaction.Service
	registry discovery.ProducerRegistry
	listener net.Listener
	logger   *logging.Logger
}

// PrepareRequest carries a producer's prepared message
type PrepareRequest struct {
	Topic         string            `json:"topic"`
	QueueID       int32             `json:"queue_id"`
	Body          []byte            `json:"body"`
	ProducerGroup string            `json:"producer_group"`
	BornTimestamp int64             `json:"born_timestamp,omitempty"`
	UniqKey       string            `json:"uniq_key,omitempty"`
	Properties    map[string]string `json:"properties,omitempty"`
}

// PrepareResponse reports where the half message landed
type PrepareResponse struct {
	ErrorCode       int16  `json:"error_code"`
	Error           string `json:"error,omitempty"`
	MsgID           string `json:"msg_id,omitempty"`
	QueueOffset     int64  `json:"queue_offset,omitempty"`
	CommitLogOffset int64  `json:"commit_log_offset,omitempty"`
}

// EndTransactionResponse acknowledges a commit/rollback request
type EndTransactionResponse struct {
	ErrorCode int16  `json:"error_code"`
	Error     string `json:"error,omitempty"`
}

// RegisterProducerRequest announces a producer group's callback endpoint
type RegisterProducerRequest struct {
	Group        string `json:"group"`
	CallbackAddr string `json:"callback_addr"`
}

// RegisterProducerResponse acknowledges a registration
type RegisterProducerResponse struct {
	ErrorCode int16  `json:"error_code"`
	Error     string `json:"error,omitempty"`
}

// NewServer creates a transaction endpoint server
func NewServer(addr string, service *transaction.Service, registry discovery.ProducerRegistry) *Server {
	return &Server{
		addr:     addr,
		service:  service,
		registry: registry,
		logger:   logging.GetLogger().WithComponent("broker-server"),
	}
}

// Start begins accepting connections
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %v", s.addr, err)
	}
	s.listener = listener
	go s.acceptConnections()

	s.logger.Info("Broker server listening", "addr", s.addr)
	return nil
}

// Stop stops accepting connections
func (s *Server) Stop() error {
	if s.listener != nil {
		return s.listener.Close()
	}
	return nil
}

func (s *Server) acceptConnections() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			// server is probably shutting down
			return
		}
		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	for {
		var requestType int32
		if err := binary.Read(conn, binary.BigEndian, &requestType); err != nil {
			if err != io.EOF {
				s.logger.Debug("Failed to read request type", "error", err)
			}
			return
		}

		data, err := s.readRequestData(conn)
		if err != nil {
			s.logger.Debug("Failed to read request data", "error", err)
			return
		}

		if err := s.handleRequest(conn, requestType, data); err != nil {
			s.logger.Error("Request handling failed",
				"request_type", protocol.GetRequestTypeName(requestType), "error", err)
			return
		}
	}
}

func (s *Server) handleRequest(conn net.Conn, requestType int32, data []byte) error {
	switch requestType {
	case protocol.PrepareMessageRequestType:
		return s.handlePrepare(conn, data)
	case protocol.EndTransactionRequestType:
		return s.handleEndTransaction(conn, data)
	case protocol.RegisterProducerRequestType:
		return s.handleRegisterProducer(conn, data)
	default:
		return fmt.Errorf("unknown request type: %d", requestType)
	}
}

func (s *Server) handlePrepare(conn net.Conn, data []byte) error {
	var req PrepareRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return s.writeResponse(conn, &PrepareResponse{
			ErrorCode: protocol.ErrorInvalidRequest,
			Error:     fmt.Sprintf("malformed prepare request: %v", err),
		})
	}
	if req.Topic == "" {
		return s.writeResponse(conn, &PrepareResponse{
			ErrorCode: protocol.ErrorInvalidTopic,
			Error:     "topic cannot be empty",
		})
	}

	msg := &mqlog.Message{
		Topic:         req.Topic,
		QueueID:       req.QueueID,
		Body:          req.Body,
		BornTimestamp: req.BornTimestamp,
		Properties:    req.Properties,
	}
	msg.PutProperty(protocol.PropertyProducerGroup, req.ProducerGroup)
	if req.UniqKey != "" {
		msg.PutProperty(protocol.PropertyUniqKey, req.UniqKey)
	}

	result, err := s.service.PrepareMessage(msg)
	if err != nil {
		return s.writeResponse(conn, &PrepareResponse{
			ErrorCode: protocol.ErrorProduceFailed,
			Error:     fmt.Sprintf("failed to store half message: %v", err),
		})
	}

	return s.writeResponse(conn, &PrepareResponse{
		ErrorCode:       protocol.ErrorNone,
		MsgID:           result.MsgID,
		QueueOffset:     result.QueueOffset,
		CommitLogOffset: result.CommitLogOffset,
	})
}

func (s *Server) handleEndTransaction(conn net.Conn, data []byte) error {
	var req transaction.EndTransactionRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return s.writeResponse(conn, &EndTransactionResponse{
			ErrorCode: protocol.ErrorInvalidRequest,
			Error:     fmt.Sprintf("malformed end transaction request: %v", err),
		})
	}

	var result *transaction.OperationResult
	if req.Commit {
		result = s.service.CommitMessage(&req)
	} else {
		result = s.service.RollbackMessage(&req)
	}

	if result.ResponseCode != protocol.ResponseSuccess {
		return s.writeResponse(conn, &EndTransactionResponse{
			ErrorCode: protocol.ErrorInvalidRequest,
			Error:     result.ResponseRemark,
		})
	}

	if !s.service.DeletePrepareMessage(result.PrepareMessage) {
		return s.writeResponse(conn, &EndTransactionResponse{
			ErrorCode: protocol.ErrorProduceFailed,
			Error:     "failed to write op message",
		})
	}

	return s.writeResponse(conn, &EndTransactionResponse{ErrorCode: protocol.ErrorNone})
}

func (s *Server) handleRegisterProducer(conn net.Conn, data []byte) error {
	var req RegisterProducerRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return s.writeResponse(conn, &RegisterProducerResponse{
			ErrorCode: protocol.ErrorInvalidRequest,
			Error:     fmt.Sprintf("malformed register request: %v", err),
		})
	}
	if req.Group == "" || req.CallbackAddr == "" {
		return s.writeResponse(conn, &RegisterProducerResponse{
			ErrorCode: protocol.ErrorInvalidRequest,
			Error:     "group and callback_addr are required",
		})
	}

	if err := s.registry.Register(req.Group, req.CallbackAddr); err != nil {
		return s.writeResponse(conn, &RegisterProducerResponse{
			ErrorCode: protocol.ErrorInvalidRequest,
			Error:     err.Error(),
		})
	}
	return s.writeResponse(conn, &RegisterProducerResponse{ErrorCode: protocol.ErrorNone})
}

func (s *Server) readRequestData(conn net.Conn) ([]byte, error) {
	var dataLength int32
	if err := binary.Read(conn, binary.BigEndian, &dataLength); err != nil {
		return nil, err
	}
	if dataLength < 0 || dataLength > 4<<20 {
		return nil, fmt.Errorf("invalid request length: %d", dataLength)
	}

	data := make([]byte, dataLength)
	if _, err := io.ReadFull(conn, data); err != nil {
		return nil, err
	}
	return data, nil
}

func (s *Server) writeResponse(conn net.Conn, response interface{}) error {
	data, err := json.Marshal(response)
	if err != nil {
		return err
	}
	if err := binary.Write(conn, binary.BigEndian, int32(len(data))); err != nil {
		return err
	}
	_, err = conn.Write(data)
	return err
}
