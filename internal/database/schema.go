package database

var schema = []string{`
CREATE TABLE IF NOT EXISTS sessions (
    id VARCHAR(36) PRIMARY KEY,
    ip_address VARCHAR(64) NOT NULL,
    fingerprint VARCHAR(128),
    pet_name VARCHAR(255),
    pet_type VARCHAR(64),
    photo_url TEXT,
    selected_styles TEXT,
    generated_styles TEXT,
    free_used INT NOT NULL DEFAULT 0,
    paid_used INT NOT NULL DEFAULT 0,
    purchase_made TINYINT(1) NOT NULL DEFAULT 0,
    bonus_generations INT NOT NULL DEFAULT 0,
    version BIGINT NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    expires_at TIMESTAMP NOT NULL,
    KEY idx_sessions_fingerprint (fingerprint),
    KEY idx_sessions_ip (ip_address)
);`, `CREATE TABLE IF NOT EXISTS custom_breeds (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    name VARCHAR(128) NOT NULL,
    pet_type VARCHAR(64) NOT NULL,
    uses INT NOT NULL DEFAULT 1,
    validated TINYINT(1) NOT NULL DEFAULT 0,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    UNIQUE KEY uniq_breed_name_type (name, pet_type)
);`, `CREATE TABLE IF NOT EXISTS fulfillment_events (
    id BIGINT AUTO_INCREMENT PRIMARY KEY,
    payment_session_id VARCHAR(128) NOT NULL,
    status VARCHAR(16) NOT NULL,
    order_ref VARCHAR(128),
    detail TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
    UNIQUE KEY uniq_payment_session (payment_session_id)
);`,
}
