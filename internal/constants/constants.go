package constants

const VERSION = "0.1.0"

const USER_AGENT = "apicache/" + VERSION + " (+https://github.com/cdmportal/apicache)"
