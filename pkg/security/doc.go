/*
Package security groups the service's transport and access controls.

  - auth: API keys on /v1 routes; each key acts as one actor and may be
    limited to a set of tenants
  - tls: HTTPS and optional mutual TLS for the listener
  - secrets: ${secret:name} references in the Redis password, webhook
    headers and API keys, read from a secrets directory or the environment

Example configuration:

	service:
	  tls:
	    enabled: true
	    cert_file: /etc/warden/tls/server.crt
	    key_file: /etc/warden/tls/server.key
	  auth:
	    enabled: true
	    keys:
	      - key: ${secret:dispatch-api-key}
	        actor: dispatch-console
	        tenants: [acme]
	secrets:
	  dir: /var/run/secrets/warden
*/
package security
