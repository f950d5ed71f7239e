package domain

const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// User channel events.
const (
	EventAuthenticate     = "authenticate"
	EventConnected        = "connected"
	EventPing             = "ping"
	EventGetOnlineUsers   = "get_online_users"
	EventSendMessage      = "send_message"
	EventUserStatusUpdate = "user_status_update"
	EventMessage          = "message"
	EventError            = "error"
)

// Service channel events.
const (
	EventRegisterService      = "register_service"
	EventServiceRegistered    = "service_registered"
	EventRegistrationError    = "registration_error"
	EventAuthenticateService  = "authenticate_service"
	EventServiceAuthenticated = "service_authenticated"
	EventAuthenticationError  = "authentication_error"
	EventListServices         = "list_services"
	EventListServiceTypes     = "list_service_types"
)

const (
	SenderUser    = "user"
	SenderService = "service"
)

const (
	ChannelUser    = "user"
	ChannelService = "service"
)

const (
	DeliverySent    = "sent"
	DeliveryOffline = "offline"
	DeliveryError   = "error"
)

// MessageSourceInternal tags messages that originate from a backend service.
const MessageSourceInternal = "internal_service"
