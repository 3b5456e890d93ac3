package common

// AppName - Application name.
const AppName = "Tantalum"

// AppVersion - Application version.
const AppVersion = "0.1.0"

// AppAuthor - Application author.
const AppAuthor = "HON95"

// PrometheusNamespace - Prometheus metrics namespace.
const PrometheusNamespace = "tantalum"
